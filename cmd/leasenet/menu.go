package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opd-ai/leasenet/client"
	"github.com/opd-ai/leasenet/server"
)

// errQuit ends a command after the user chose to disconnect.
var errQuit = errors.New("disconnected by user")

// menu is an interactive numbered menu.
type menu interface {
	prompt() string
	// handle runs one choice and reports whether the menu should close.
	handle(choice string) bool
}

// runMenu reads choices from in until the menu closes, in is exhausted or
// ctx ends. Closing the menu returns errQuit so that sibling goroutines
// stop.
func runMenu(ctx context.Context, in io.Reader, out io.Writer, m menu) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprintf(out, "\n%s\n> ", m.prompt())
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if m.handle(strings.TrimSpace(line)) {
				return errQuit
			}
		}
	}
}

// serverMenu lists the pool and disconnects an address server.
type serverMenu struct {
	engine *server.Engine
	out    io.Writer
}

func (m *serverMenu) prompt() string {
	return "Menu: 1-Available IPs, 2-Held IPs, 3-Disconnect"
}

func (m *serverMenu) handle(choice string) bool {
	switch choice {
	case "1":
		avail := m.engine.Available()
		fmt.Fprintf(m.out, "Available IP addresses (%d):\n", len(avail))
		for _, ip := range avail {
			fmt.Fprintf(m.out, "  %s\n", ip)
		}
	case "2":
		held := m.engine.Held()
		fmt.Fprintf(m.out, "Held IP addresses (%d):\n", len(held))
		for _, l := range held {
			fmt.Fprintf(m.out, "  %-15s tid1=%s tid2=%s until %s\n",
				l.IP, l.TID1, l.TID2, l.Deadline.Format(time.TimeOnly))
		}
	case "3":
		fmt.Fprintln(m.out, "Disconnecting from relay...")
		if err := m.engine.Close(); err != nil {
			fmt.Fprintf(m.out, "Disconnect error: %v\n", err)
		}
		return true
	default:
		fmt.Fprintln(m.out, "Invalid option")
	}
	return false
}

// clientMenu drives one client's lease by hand.
type clientMenu struct {
	engine *client.Engine
	out    io.Writer
}

func (m *clientMenu) prompt() string {
	return "Menu: 1-Request IP, 2-Release IP, 3-Refresh lease, 4-Status, 5-Exit"
}

func (m *clientMenu) handle(choice string) bool {
	var err error
	switch choice {
	case "1":
		err = m.engine.RequestAddress()
		if err == nil {
			fmt.Fprintln(m.out, "Discovering servers...")
		}
	case "2":
		err = m.engine.ReleaseAddress()
	case "3":
		err = m.engine.RefreshLease()
	case "4":
		m.printStatus()
	case "5":
		fmt.Fprintln(m.out, "Disconnecting from relay...")
		if err := m.engine.Disconnect(); err != nil {
			fmt.Fprintf(m.out, "Disconnect error: %v\n", err)
		}
		return true
	default:
		fmt.Fprintln(m.out, "Invalid option")
	}
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
	}
	return false
}

func (m *clientMenu) printStatus() {
	st := m.engine.Status()
	fmt.Fprintf(m.out, "State:      %s\n", st.State)
	fmt.Fprintf(m.out, "Current IP: %s\n", st.CurrentIP)
	if st.TID1 != "" {
		fmt.Fprintf(m.out, "TID1:       %s\n", st.TID1)
	}
	if st.TID2 != "" {
		fmt.Fprintf(m.out, "TID2:       %s\n", st.TID2)
	}
	if st.State == client.StateBound {
		fmt.Fprintf(m.out, "Lease left: %s\n", st.LeaseRemaining.Round(time.Second))
	}
	if st.PendingOffers > 0 {
		fmt.Fprintf(m.out, "Offers:     %d pending\n", st.PendingOffers)
	}
}
