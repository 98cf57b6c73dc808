package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"helphub/models"
	"helphub/nearby"
)

const consoleHelp = `commands:
  peers                     list discovered endpoints and connection state
  connect <id>              request a connection
  accept <id> | reject <id> answer a pending connection
  disconnect <id>           drop a connection
  send <id> <text>          send a message
  log <id>                  show the conversation with an endpoint
  inbox                     last message per endpoint
  scan                      browse for endpoints now
  quit                      leave offline mode`

var errQuit = errors.New("quit")

const scanTimeout = 10 * time.Second

// printer renders session events as console lines. Events arrive on the
// dispatcher goroutine so writes are serialized.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
	subs   []*nearby.Subscription
}

func newPrinter(out io.Writer, prefix string) *printer {
	return &printer{out: out, prefix: prefix}
}

func (p *printer) attach(session *nearby.Session) {
	p.subs = append(p.subs, session.Events().SubscribeAll(func(event nearby.Event) {
		if line := describe(session, event); line != "" {
			p.println("%s", line)
		}
	}))
}

func (p *printer) detach() {
	for _, sub := range p.subs {
		sub.Unsubscribe()
	}
	p.subs = nil
}

func (p *printer) println(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, p.prefix+format+"\n", args...)
}

func describe(session *nearby.Session, event nearby.Event) string {
	switch e := event.(type) {
	case nearby.DeviceDiscovered:
		return fmt.Sprintf("+ found %s (%s)", e.EndpointName, e.EndpointID)
	case nearby.DeviceLost:
		return fmt.Sprintf("- lost %s", e.EndpointID)
	case nearby.ConnectionInitiated:
		who := e.EndpointName
		if who == "" {
			who = e.EndpointID
		}
		if e.IsIncomingConnection {
			return fmt.Sprintf("? %s wants to connect, token %s. accept %s | reject %s", who, e.AuthenticationToken, e.EndpointID, e.EndpointID)
		}
		return fmt.Sprintf("? connecting to %s, token %s. accept %s to confirm", who, e.AuthenticationToken, e.EndpointID)
	case nearby.ConnectionResolved:
		if e.Outcome.Alert == nil {
			return fmt.Sprintf("~ %s: %s", e.EndpointID, e.Status)
		}
		return fmt.Sprintf("! %s: %s", e.Outcome.Alert.Title, e.Outcome.Alert.Message)
	case nearby.Disconnected:
		return fmt.Sprintf("~ disconnected from %s", e.EndpointID)
	case nearby.PayloadReceived:
		return fmt.Sprintf("[%s] %s", endpointLabel(session, e.EndpointID), e.Content)
	case nearby.PayloadSent:
		if e.Message.Status == models.StatusFailed {
			return fmt.Sprintf("x message #%d to %s failed", e.Message.Sequence, e.EndpointID)
		}
		return ""
	case nearby.CommandFailed:
		return fmt.Sprintf("x %s %s: %v", e.Command, e.EndpointID, e.Err)
	default:
		return ""
	}
}

func endpointLabel(session *nearby.Session, endpointID string) string {
	for _, endpoint := range session.GetDiscoveredEndpoints() {
		if endpoint.ID == endpointID && endpoint.Name != "" {
			return endpoint.Name
		}
	}
	for _, negotiation := range session.Negotiations() {
		if negotiation.EndpointID == endpointID && negotiation.EndpointName != "" {
			return negotiation.EndpointName
		}
	}
	return endpointID
}

// console is the line-oriented UI over one session.
type console struct {
	session *nearby.Session
	out     *printer
	// rescan is optional; providers without an explicit scan leave it nil.
	rescan func(ctx context.Context) error
}

func newConsole(session *nearby.Session, out io.Writer, rescan func(ctx context.Context) error) *console {
	c := &console{session: session, out: newPrinter(out, ""), rescan: rescan}
	c.out.attach(session)
	return c
}

// Run reads commands until quit, EOF or ctx cancellation.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	defer c.out.detach()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.out.println("%s", consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.exec(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.out.println("error: %v", err)
			}
		}
	}
}

func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "help":
		c.out.println("%s", consoleHelp)
	case "quit", "exit":
		return errQuit
	case "peers":
		c.peers()
	case "inbox":
		c.inbox()
	case "scan":
		if c.rescan == nil {
			return errors.New("this transport scans continuously")
		}
		ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
		defer cancel()
		if err := c.rescan(ctx); err != nil {
			return err
		}
		c.peers()
	case "connect", "accept", "reject", "disconnect", "log":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <id>", name)
		}
		id := c.resolve(args[0])
		switch name {
		case "connect":
			return c.session.RequestConnection(c.session.DisplayName(), id)
		case "accept":
			return c.session.AcceptConnection(id)
		case "reject":
			return c.session.RejectConnection(id)
		case "disconnect":
			c.session.Disconnect(id)
		case "log":
			c.log(id)
		}
	case "send":
		if len(args) < 2 {
			return errors.New("usage: send <id> <text>")
		}
		text := strings.Join(args[1:], " ")
		_, err := c.session.SendPayload(c.resolve(args[0]), text)
		return err
	default:
		return fmt.Errorf("unknown command %q, try help", name)
	}
	return nil
}

func (c *console) peers() {
	endpoints := c.session.GetDiscoveredEndpoints()
	if len(endpoints) == 0 {
		c.out.println("no endpoints discovered yet")
	}
	for _, endpoint := range endpoints {
		c.out.println("%-24s %-36s %s", endpoint.Name, endpoint.ID, c.session.State(endpoint.ID))
	}
	for _, id := range c.session.ConnectedEndpoints() {
		if !containsEndpoint(endpoints, id) {
			c.out.println("%-24s %-36s %s (out of range)", endpointLabel(c.session, id), id, nearby.StateConnected)
		}
	}
}

func (c *console) inbox() {
	previews := c.session.GetMessages()
	ids := make([]string, 0, len(previews))
	for id := range previews {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.out.println("%-24s %s", endpointLabel(c.session, id), previews[id])
	}
}

func (c *console) log(endpointID string) {
	for _, message := range c.session.Messages(endpointID) {
		c.out.println("%s", formatMessage(message))
	}
}

// resolve expands a unique id prefix against known endpoints.
func (c *console) resolve(arg string) string {
	candidates := make(map[string]struct{})
	for _, endpoint := range c.session.GetDiscoveredEndpoints() {
		candidates[endpoint.ID] = struct{}{}
	}
	for _, negotiation := range c.session.Negotiations() {
		candidates[negotiation.EndpointID] = struct{}{}
	}
	if _, ok := candidates[arg]; ok {
		return arg
	}

	match := ""
	for id := range candidates {
		if strings.HasPrefix(id, arg) {
			if match != "" {
				return arg
			}
			match = id
		}
	}
	if match == "" {
		return arg
	}
	return match
}

func containsEndpoint(endpoints []models.Endpoint, id string) bool {
	for _, endpoint := range endpoints {
		if endpoint.ID == id {
			return true
		}
	}
	return false
}

func formatMessage(message models.Message) string {
	arrow := "<-"
	if message.Direction == models.DirectionSent {
		arrow = "->"
	}
	stamp := time.UnixMilli(message.Timestamp).Format("15:04:05")
	return fmt.Sprintf("%s %s #%d %s (%s)", stamp, arrow, message.Sequence, message.Content, message.Status)
}
