// Package link brings up and watches the network link a node's broker
// session runs over.
//
// Two association strategies are provided. [NMCLI] joins a WiFi network
// through NetworkManager's command line client, the way the firmware
// joins its access point. [Interface] only waits for an already managed
// interface to be up with an address. Both implement node.Associator.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/nugget/envnode/internal/node"
)

// ErrNoAddress is returned when an interface is up but has no usable
// address yet.
var ErrNoAddress = errors.New("interface has no address")

// CommandRunner runs an external command and returns its combined
// output. It is replaced in tests.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// NMCLI associates with a WiFi network using nmcli.
type NMCLI struct {
	// Interface optionally pins the WiFi device (nmcli "ifname").
	Interface string
	Run       CommandRunner
}

// Associate joins creds.SSID. Each call is one attempt; ctx bounds it.
func (n NMCLI) Associate(ctx context.Context, creds node.Credentials) error {
	if creds.SSID == "" {
		return errors.New("nmcli: SSID is empty")
	}
	run := n.Run
	if run == nil {
		run = ExecRunner
	}

	args := []string{"--wait", "0", "device", "wifi", "connect", creds.SSID}
	if creds.Password != "" {
		args = append(args, "password", creds.Password)
	}
	if n.Interface != "" {
		args = append(args, "ifname", n.Interface)
	}

	out, err := run(ctx, "nmcli", args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("nmcli connect %q: %w", creds.SSID, ctxErr)
		}
		return fmt.Errorf("nmcli connect %q: %w: %s", creds.SSID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Connected reports whether the WiFi device currently has an active
// connection. It is suitable as a [Monitor] probe.
func (n NMCLI) Connected(ctx context.Context) error {
	run := n.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "nmcli", "-t", "-f", "DEVICE,TYPE,STATE", "device", "status")
	if err != nil {
		return fmt.Errorf("nmcli device status: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) != 3 || fields[1] != "wifi" {
			continue
		}
		if n.Interface != "" && fields[0] != n.Interface {
			continue
		}
		if fields[2] == "connected" {
			return nil
		}
	}
	return errors.New("no connected wifi device")
}

// Interface waits for a named interface to be up with an address.
// Credentials are ignored.
type Interface struct {
	Name string

	// lookup is replaced in tests.
	lookup func(name string) (flags net.Flags, addrs []net.Addr, err error)
}

// Associate checks the interface once. The association loop in the
// connection manager provides the retries.
func (i Interface) Associate(ctx context.Context, _ node.Credentials) error {
	return i.Up(ctx)
}

// Up reports nil when the interface is up with a unicast address. It is
// suitable as a [Monitor] probe.
func (i Interface) Up(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lookup := i.lookup
	if lookup == nil {
		lookup = systemInterface
	}

	flags, addrs, err := lookup(i.Name)
	if err != nil {
		return fmt.Errorf("interface %s: %w", i.Name, err)
	}
	if flags&net.FlagUp == 0 {
		return fmt.Errorf("interface %s is down", i.Name)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
			return nil
		}
	}
	return fmt.Errorf("interface %s: %w", i.Name, ErrNoAddress)
}

func systemInterface(name string) (net.Flags, []net.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return 0, nil, err
	}
	return ifi.Flags, addrs, nil
}
