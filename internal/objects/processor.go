// Package objects is a DOIP processor serving digital objects from a
// badger-backed store. It implements the basic operations: Hello,
// ListOperations, Create, Retrieve, Update, Delete and Search.
package objects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/internal/server"
	"github.com/skshohagmiah/doip/internal/storage"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

const (
	// ProcessorName is the registry name of this processor.
	ProcessorName = "objects"

	ServiceInfoType = "0.TYPE/DOIPServiceInfo"
	ProtocolVersion = "2.0"
)

var (
	serviceOperations = []string{protocol.OpHello, protocol.OpListOperations, protocol.OpCreate, protocol.OpSearch}
	objectOperations  = []string{protocol.OpRetrieve, protocol.OpUpdate, protocol.OpDelete, protocol.OpListOperations}
)

// Processor answers DOIP operations from a Store. Requests targeting the
// service id (or no target) address the service itself; any other target is
// an object id.
type Processor struct {
	cfg       Config
	store     *storage.Store
	ownsStore bool
	logger    *zap.Logger
	newID     func() string
}

// New opens the store described by cfg. The store is closed by Shutdown.
func New(cfg Config, logger *zap.Logger) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Options{Dir: cfg.DataDir, InMemory: cfg.InMemory})
	if err != nil {
		return nil, err
	}
	p := NewWithStore(cfg, store, logger)
	p.ownsStore = true
	return p, nil
}

// NewWithStore serves objects from a caller owned store.
func NewWithStore(cfg Config, store *storage.Store, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		store:  store,
		logger: logging.OrNop(logger),
		newID:  uuid.NewString,
	}
}

// Factory builds a Processor from a processor configuration table.
func Factory(raw map[string]any, logger *zap.Logger) (server.Processor, error) {
	cfg, err := ConfigFromMap(raw)
	if err != nil {
		return nil, err
	}
	return New(cfg, logger)
}

// Register adds this processor to reg under ProcessorName.
func Register(reg *server.Registry) {
	reg.Register(ProcessorName, Factory)
}

// Shutdown closes the store if the processor opened it.
func (p *Processor) Shutdown() error {
	if !p.ownsStore {
		return nil
	}
	return p.store.Close()
}

// Process dispatches one request by operation id.
func (p *Processor) Process(ctx context.Context, req *server.Request, resp *server.Response) error {
	target := req.TargetID()
	if target == "" || target == p.cfg.ServiceID {
		return p.processService(req, resp)
	}
	return p.processObject(target, req, resp)
}

func (p *Processor) processService(req *server.Request, resp *server.Response) error {
	var err error
	switch req.OperationID() {
	case protocol.OpHello:
		err = resp.WriteCompactOutput(p.serviceInfo())
	case protocol.OpListOperations:
		err = resp.WriteCompactOutput(serviceOperations)
	case protocol.OpCreate:
		err = p.create(req, resp)
	case protocol.OpSearch:
		err = p.search(req, resp)
	default:
		resp.SetError(protocol.StatusDeclined, fmt.Sprintf("operation %q not supported by the service", req.OperationID()))
	}
	return p.reportInputError(resp, err)
}

func (p *Processor) processObject(id string, req *server.Request, resp *server.Response) error {
	var err error
	switch req.OperationID() {
	case protocol.OpListOperations:
		if _, err = p.store.GetObject(id); err == nil {
			err = resp.WriteCompactOutput(objectOperations)
		}
	case protocol.OpRetrieve:
		err = p.retrieve(id, req, resp)
	case protocol.OpUpdate:
		err = p.update(id, req, resp)
	case protocol.OpDelete:
		err = p.store.DeleteObject(id)
	default:
		resp.SetError(protocol.StatusDeclined, fmt.Sprintf("operation %q not supported by objects", req.OperationID()))
	}
	return p.reportInputError(resp, err)
}

// reportInputError turns client mistakes into response statuses. Other
// errors are returned to the server.
func (p *Processor) reportInputError(resp *server.Response, err error) error {
	if err == nil {
		return nil
	}
	var ie *inputError
	switch {
	case resp.Committed():
		return err
	case errors.As(err, &ie):
		resp.SetError(protocol.StatusBadRequest, ie.msg)
	case errors.Is(err, storage.ErrNotFound):
		resp.SetError(protocol.StatusNotFound, "no such object")
	case errors.Is(err, storage.ErrExists):
		resp.SetError(protocol.StatusConflict, "object already exists")
	case errors.Is(err, storage.ErrInvalidID):
		resp.SetError(protocol.StatusBadRequest, "invalid id")
	default:
		return err
	}
	return nil
}

func (p *Processor) serviceInfo() storage.Object {
	attrs, _ := json.Marshal(map[string]any{
		"ipAddress":       p.cfg.Address,
		"port":            p.cfg.Port,
		"protocol":        "TCP",
		"protocolVersion": ProtocolVersion,
	})
	return storage.Object{ID: p.cfg.ServiceID, Type: ServiceInfoType, Attributes: attrs}
}

func (p *Processor) create(req *server.Request, resp *server.Response) error {
	obj, data, err := readObjectInput(req.Input())
	if err != nil {
		return err
	}
	if obj.ID == "" {
		obj.ID = p.generateID()
	}
	if err := p.store.CreateObject(obj, data); err != nil {
		return err
	}
	p.logger.Debug("object created", zap.String("id", obj.ID), zap.Int("elements", len(obj.Elements)))
	return resp.WriteCompactOutput(obj)
}

func (p *Processor) update(id string, req *server.Request, resp *server.Response) error {
	obj, data, err := readObjectInput(req.Input())
	if err != nil {
		return err
	}
	if obj.ID != "" && obj.ID != id {
		return &inputError{msg: "object id does not match target"}
	}
	obj.ID = id
	if err := p.store.UpdateObject(obj, data); err != nil {
		return err
	}
	return resp.WriteCompactOutput(obj)
}

// retrieve returns the object, or with the "element" attribute the bytes of
// one element. With "includeElementData" every element follows the object
// as an {"id"} header segment and a bytes segment.
func (p *Processor) retrieve(id string, req *server.Request, resp *server.Response) error {
	if elementID := req.AttributeString("element"); elementID != "" {
		data, err := p.store.GetElement(id, elementID)
		if err != nil {
			return err
		}
		out, err := resp.Output()
		if err != nil {
			return err
		}
		return out.WriteBytes(bytes.NewReader(data))
	}

	obj, err := p.store.GetObject(id)
	if err != nil {
		return err
	}
	if !req.Attributes().Bool("includeElementData") {
		return resp.WriteCompactOutput(obj)
	}

	out, err := resp.Output()
	if err != nil {
		return err
	}
	if err := out.WriteJSON(obj); err != nil {
		return err
	}
	for _, el := range obj.Elements {
		data, err := p.store.GetElement(id, el.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := out.WriteJSON(elementHeader{ID: el.ID}); err != nil {
			return err
		}
		if err := out.WriteBytes(bytes.NewReader(data)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) generateID() string {
	if p.cfg.IDPrefix == "" {
		return p.newID()
	}
	return p.cfg.IDPrefix + "/" + p.newID()
}

type elementHeader struct {
	ID string `json:"id"`
}

// inputError is a malformed request input, answered with a bad request.
type inputError struct {
	msg string
}

func (e *inputError) Error() string { return e.msg }

// readObjectInput reads an object segment followed by optional element
// pairs: an {"id"} JSON segment and a bytes segment each.
func readObjectInput(in protocol.Message) (*storage.Object, map[string][]byte, error) {
	seg, err := in.Next()
	if errors.Is(err, io.EOF) {
		return nil, nil, &inputError{msg: "missing input"}
	}
	if err != nil {
		return nil, nil, err
	}
	if !seg.IsJSON() {
		return nil, nil, &inputError{msg: "input must start with a JSON object"}
	}
	var obj storage.Object
	if err := seg.Decode(&obj); err != nil {
		if protocol.IsProtocolError(err) || protocol.IsConnectionError(err) {
			return nil, nil, err
		}
		return nil, nil, &inputError{msg: "invalid object: " + err.Error()}
	}

	data := make(map[string][]byte)
	for {
		seg, err := in.Next()
		if errors.Is(err, io.EOF) {
			return &obj, data, nil
		}
		if err != nil {
			return nil, nil, err
		}
		if !seg.IsJSON() {
			return nil, nil, &inputError{msg: "expected element header segment"}
		}
		var hdr elementHeader
		if err := seg.Decode(&hdr); err != nil || hdr.ID == "" {
			if protocol.IsProtocolError(err) || protocol.IsConnectionError(err) {
				return nil, nil, err
			}
			return nil, nil, &inputError{msg: "invalid element header segment"}
		}

		seg, err = in.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil, &inputError{msg: fmt.Sprintf("missing bytes for element %q", hdr.ID)}
		}
		if err != nil {
			return nil, nil, err
		}
		if seg.IsJSON() {
			return nil, nil, &inputError{msg: fmt.Sprintf("expected bytes segment for element %q", hdr.ID)}
		}
		b, err := seg.ReadBytes()
		if err != nil {
			return nil, nil, err
		}
		data[hdr.ID] = b
	}
}
