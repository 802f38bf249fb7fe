package mqtt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// StateStore is the slice of the operational state store that instance
// identity needs.
type StateStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

const (
	instanceNamespace = "mqtt"
	instanceKey       = "instance_id"
)

// LoadOrCreateInstanceID returns the persisted instance ID, generating
// and storing one on first use. It is used as the device ID when none is
// configured, so topics and Home Assistant unique IDs stay stable across
// restarts.
//
// The ID is "envnode_" followed by the last 12 hex digits of a UUIDv7,
// which keeps it free of characters that are awkward in topic levels
// and entity IDs.
func LoadOrCreateInstanceID(store StateStore) (string, error) {
	id, err := store.Get(instanceNamespace, instanceKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	hex := strings.ReplaceAll(u.String(), "-", "")
	id = "envnode_" + hex[len(hex)-12:]

	if err := store.Set(instanceNamespace, instanceKey, id); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return id, nil
}
