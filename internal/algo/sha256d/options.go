package sha256d

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	defaultConcurrency = 1 << 18
	defaultNonceSlots  = 32
	defaultWorkSize    = 64

	maxNonceSlots = 1024
)

// Options is one resolved SHA-256d configuration. Values compare with ==.
type Options struct {
	// Concurrency is the number of nonces scanned per step.
	Concurrency uint32 `json:"concurrency"`
	// NonceSlots is the capacity of the device result buffer.
	NonceSlots uint32 `json:"max_nonces"`
	// WorkSize is the work-group size; Concurrency must be a multiple of it.
	WorkSize uint32 `json:"work_size"`
	// MinComputeUnits is the smallest device this configuration is meant for.
	MinComputeUnits int `json:"min_compute_units"`
}

func (o Options) HashCount() uint32 { return o.Concurrency }

func (o Options) MaxNonces() uint32 { return o.NonceSlots }

// DefaultOptions is used for every key a configuration leaves out.
func DefaultOptions() Options {
	return Options{
		Concurrency: defaultConcurrency,
		NonceSlots:  defaultNonceSlots,
		WorkSize:    defaultWorkSize,
	}
}

func (o Options) validate() error {
	switch {
	case o.Concurrency == 0:
		return fmt.Errorf("concurrency must be positive")
	case o.WorkSize == 0:
		return fmt.Errorf("work_size must be positive")
	case o.Concurrency%o.WorkSize != 0:
		return fmt.Errorf("concurrency %d is not a multiple of work_size %d", o.Concurrency, o.WorkSize)
	case o.NonceSlots == 0 || o.NonceSlots > maxNonceSlots:
		return fmt.Errorf("max_nonces must be in [1, %d], got %d", maxNonceSlots, o.NonceSlots)
	case o.MinComputeUnits < 0:
		return fmt.Errorf("min_compute_units must not be negative")
	}
	return nil
}

// parseOptions decodes raw over the defaults. Unknown keys are rejected.
func parseOptions(raw map[string]any) (Options, error) {
	o := DefaultOptions()
	b, err := json.Marshal(raw)
	if err != nil {
		return o, fmt.Errorf("encode settings: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return o, fmt.Errorf("decode settings: %w", err)
	}
	if err := o.validate(); err != nil {
		return o, err
	}
	return o, nil
}
