package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nugget/envnode/internal/link"
	"github.com/nugget/envnode/internal/opstate"
)

// The last link monitor transition is kept in the state database so
// the state command can report it from another process.
const (
	linkNamespace = "link"
	linkStatusKey = "status"
)

func saveLinkStatus(store *opstate.Store, s link.Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode link status: %w", err)
	}
	return store.Set(linkNamespace, linkStatusKey, string(data))
}

// loadLinkStatus returns the last recorded link status. ok is false if
// the monitor has never recorded a transition.
func loadLinkStatus(store *opstate.Store) (s link.Status, ok bool, err error) {
	raw, err := store.Get(linkNamespace, linkStatusKey)
	if err != nil || raw == "" {
		return s, false, err
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, false, fmt.Errorf("decode link status: %w", err)
	}
	return s, true, nil
}

// runState prints the persisted node state: the device ID in use, its
// lifetime broker session record and the last link transition.
func runState(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := deviceID(cfg, store)
	if err != nil {
		return err
	}
	rec, err := store.Session(id)
	if err != nil {
		return err
	}
	ls, haveLink, err := loadLinkStatus(store)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		out := map[string]any{
			"device":   rec.Device,
			"sessions": rec.Sessions,
		}
		if !rec.LastConnect.IsZero() {
			out["last_connect"] = rec.LastConnect.Format(time.RFC3339)
		}
		if haveLink {
			out["link"] = ls
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "device:       %s\n", rec.Device)
	fmt.Fprintf(w, "sessions:     %d\n", rec.Sessions)
	if rec.LastConnect.IsZero() {
		fmt.Fprintln(w, "last connect: never")
	} else {
		fmt.Fprintf(w, "last connect: %s\n", rec.LastConnect.Format(time.RFC3339))
	}
	if !haveLink {
		return nil
	}
	up := "up"
	if !ls.Up {
		up = "down"
	}
	fmt.Fprintf(w, "link:         %s %s since %s\n", ls.Name, up, ls.LastCheck.Format(time.RFC3339))
	if ls.LastError != "" {
		fmt.Fprintf(w, "link error:   %s\n", ls.LastError)
	}
	return nil
}
