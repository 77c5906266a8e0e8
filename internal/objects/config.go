package objects

import (
	"errors"
	"fmt"
	"strconv"
)

// Config for the objects processor.
type Config struct {
	// ServiceID is the identifier of the service itself. Requests targeting
	// it (or nothing) are service operations.
	ServiceID string
	// IDPrefix is prepended to generated object ids as "<prefix>/<uuid>".
	IDPrefix string

	DataDir  string
	InMemory bool

	// Address and Port are advertised by Hello.
	Address string
	Port    int
}

func (c Config) validate() error {
	if c.ServiceID == "" {
		return errors.New("objects: serviceId is required")
	}
	if c.DataDir == "" && !c.InMemory {
		return errors.New("objects: dataDir is required unless inMemory is set")
	}
	return nil
}

// ConfigFromMap reads a processor configuration table. Recognised keys are
// serviceId, idPrefix, dataDir, inMemory, address and port.
func ConfigFromMap(m map[string]any) (Config, error) {
	var cfg Config
	var err error
	if cfg.ServiceID, err = stringValue(m, "serviceId"); err != nil {
		return cfg, err
	}
	if cfg.IDPrefix, err = stringValue(m, "idPrefix"); err != nil {
		return cfg, err
	}
	if cfg.DataDir, err = stringValue(m, "dataDir"); err != nil {
		return cfg, err
	}
	if cfg.Address, err = stringValue(m, "address"); err != nil {
		return cfg, err
	}
	if cfg.InMemory, err = boolValue(m, "inMemory"); err != nil {
		return cfg, err
	}
	if cfg.Port, err = intValue(m, "port"); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func stringValue(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("objects: %s must be a string, got %T", key, v)
	}
	return s, nil
}

func boolValue(m map[string]any, key string) (bool, error) {
	switch v := m[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("objects: %s: %w", key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("objects: %s must be a boolean, got %T", key, v)
	}
}

func intValue(m map[string]any, key string) (int, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("objects: %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("objects: %s must be an integer, got %T", key, v)
	}
}
