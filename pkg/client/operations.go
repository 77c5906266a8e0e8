package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/skshohagmiah/doip/pkg/protocol"
)

// DigitalObject is the JSON form of a digital object.
type DigitalObject struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Elements   []Element       `json:"elements,omitempty"`
}

// Element describes one element of a digital object.
type Element struct {
	ID         string          `json:"id"`
	Type       string          `json:"type,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Length     int64           `json:"length,omitempty"`
}

// SearchResults is the output of a Search operation.
type SearchResults struct {
	Size    int             `json:"size"`
	Results []DigitalObject `json:"results"`
}

// Hello asks svc to describe itself.
func (c *Client) Hello(ctx context.Context, svc ServiceInfo) (*DigitalObject, error) {
	var info DigitalObject
	header := &protocol.RequestHeader{TargetID: svc.ID, OperationID: protocol.OpHello}
	if err := c.call(ctx, svc, header, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListOperations returns the operations target supports. An empty target
// addresses the service.
func (c *Client) ListOperations(ctx context.Context, svc ServiceInfo, target string) ([]string, error) {
	if target == "" {
		target = svc.ID
	}
	var ops []string
	header := &protocol.RequestHeader{TargetID: target, OperationID: protocol.OpListOperations}
	if err := c.call(ctx, svc, header, nil, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// Retrieve fetches the object id without element data.
func (c *Client) Retrieve(ctx context.Context, svc ServiceInfo, id string) (*DigitalObject, error) {
	var obj DigitalObject
	header := &protocol.RequestHeader{TargetID: id, OperationID: protocol.OpRetrieve}
	if err := c.call(ctx, svc, header, nil, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// RetrieveElement copies the bytes of one element of object id into w.
func (c *Client) RetrieveElement(ctx context.Context, svc ServiceInfo, id, elementID string, w io.Writer) (int64, error) {
	header := &protocol.RequestHeader{
		TargetID:    id,
		OperationID: protocol.OpRetrieve,
		Attributes:  attributes("element", elementID),
	}
	resp, err := c.PerformOperation(ctx, svc, header, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	seg, err := resp.Output().Next()
	if errors.Is(err, io.EOF) {
		return 0, errors.New("doip: response has no output")
	}
	if err != nil {
		return 0, err
	}
	if seg.IsJSON() {
		return 0, errors.New("doip: expected bytes segment for element")
	}
	return io.Copy(w, seg.Reader())
}

// Create stores obj on svc with the given element bytes. A missing id is
// assigned by the service; the stored object is returned.
func (c *Client) Create(ctx context.Context, svc ServiceInfo, obj *DigitalObject, elements map[string]io.Reader) (*DigitalObject, error) {
	input, err := objectMessage(obj, elements)
	if err != nil {
		return nil, err
	}
	var created DigitalObject
	header := &protocol.RequestHeader{TargetID: svc.ID, OperationID: protocol.OpCreate}
	if err := c.call(ctx, svc, header, input, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Update replaces obj on svc. Elements with bytes in elements are
// overwritten; listed elements without bytes keep their content.
func (c *Client) Update(ctx context.Context, svc ServiceInfo, obj *DigitalObject, elements map[string]io.Reader) (*DigitalObject, error) {
	input, err := objectMessage(obj, elements)
	if err != nil {
		return nil, err
	}
	var updated DigitalObject
	header := &protocol.RequestHeader{TargetID: obj.ID, OperationID: protocol.OpUpdate}
	if err := c.call(ctx, svc, header, input, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes the object id.
func (c *Client) Delete(ctx context.Context, svc ServiceInfo, id string) error {
	header := &protocol.RequestHeader{TargetID: id, OperationID: protocol.OpDelete}
	return c.call(ctx, svc, header, nil, nil)
}

// Search runs query on svc. A pageSize of zero returns every match.
func (c *Client) Search(ctx context.Context, svc ServiceInfo, query string, pageNum, pageSize int) (*SearchResults, error) {
	input, err := json.Marshal(map[string]any{"query": query, "pageNum": pageNum, "pageSize": pageSize})
	if err != nil {
		return nil, err
	}
	var results SearchResults
	header := &protocol.RequestHeader{TargetID: svc.ID, OperationID: protocol.OpSearch, Input: input}
	if err := c.call(ctx, svc, header, nil, &results); err != nil {
		return nil, err
	}
	return &results, nil
}

// objectMessage encodes obj followed by an {"id"} header and a bytes
// segment for each element.
func objectMessage(obj *DigitalObject, elements map[string]io.Reader) (protocol.Message, error) {
	seg, err := protocol.NewJSONValueSegment(obj)
	if err != nil {
		return nil, err
	}
	segments := []*protocol.Segment{seg}
	for id, r := range elements {
		hdr, err := protocol.NewJSONValueSegment(map[string]string{"id": id})
		if err != nil {
			return nil, err
		}
		segments = append(segments, hdr, protocol.NewBytesSegment(r))
	}
	return protocol.NewSegmentMessage(segments...), nil
}
