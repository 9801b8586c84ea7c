package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

func ParseJSON(data []byte) (*Process, error) {
	var p Process
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse process model: %w", err)
	}
	return &p, nil
}

func ParseYAML(data []byte) (*Process, error) {
	var p Process
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse process model: %w", err)
	}
	return &p, nil
}

func EncodeYAML(p *Process) ([]byte, error) {
	return yaml.Marshal(p)
}

// Checksum is the hex sha256 of the canonical JSON form of the model.
func Checksum(p *Process) string {
	data, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("[invariant check] process model is not JSON encodable: %s", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the model.
func Clone(p *Process) *Process {
	data, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("[invariant check] process model is not JSON encodable: %s", err))
	}
	var c Process
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("[invariant check] process model round trip failed: %s", err))
	}
	return &c
}
