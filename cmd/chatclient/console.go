package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/connectus/chat-session/internal/chat"
	"github.com/connectus/chat-session/internal/session"
)

// console renders session changes as text and turns input lines into
// session actions.
type console struct {
	s *session.Session

	mu  sync.Mutex
	out io.Writer
}

func newConsole(s *session.Session, out io.Writer) *console {
	return &console{s: s, out: out}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// watch subscribes to the session observers.
func (c *console) watch() {
	c.s.OnPhase(func(ch session.Change) {
		if ch.Err != nil {
			c.printf("* %s (%s: %v)\n", ch.To, ch.Trigger, ch.Err)
			return
		}
		c.printf("* %s\n", ch.To)
	})
	c.s.OnPresence(func(n int) {
		c.printf("* %d online\n", n)
	})
	c.s.OnMessage(func(u chat.Update) {
		active, _ := c.s.ActiveRoom()
		m := u.Message
		switch u.Kind {
		case chat.UpdateAppended:
			if m.RoomID != active.ID {
				return
			}
			c.printf("%s\n", formatMessage(m))
		case chat.UpdateFailed:
			c.printf("! not sent %q: %s\n", m.Body, m.FailReason)
		case chat.UpdateFlagged:
			if m.Flagged {
				c.printf("! message %s was filtered\n", m.ID)
			}
		}
	})
}

func formatMessage(m chat.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	mark := ""
	if m.State == chat.StatePending {
		mark = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Format("15:04"), name, m.DisplayBody(), mark)
}

func (c *console) printRooms() {
	active, _ := c.s.ActiveRoom()
	for _, r := range c.s.Rooms() {
		cur := " "
		if r.ID == active.ID {
			cur = "*"
		}
		unread := ""
		if r.Unread > 0 {
			unread = fmt.Sprintf(" (%d unread)", r.Unread)
		}
		c.printf("%s %-12s %s, %d participants%s\n", cur, r.ID, r.Name, r.Participants, unread)
	}
}

func (c *console) printHistory(roomID string) {
	for _, m := range c.s.Messages(roomID) {
		c.printf("%s\n", formatMessage(m))
	}
}

// run reads commands until /quit, EOF or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := c.s.Send("", line); err != nil {
			c.printf("! %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "quit", "q":
		return true
	case "rooms":
		c.printRooms()
	case "join":
		res, err := c.s.SelectRoom(ctx, strings.TrimSpace(arg))
		if err != nil {
			c.printf("! %v\n", err)
			return false
		}
		if res.Degraded() {
			c.printf("* history from %s\n", res.Source)
		}
		c.printHistory(res.RoomID)
	case "more":
		active, ok := c.s.ActiveRoom()
		if !ok {
			c.printf("! no active room\n")
			return false
		}
		page, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || page < 1 {
			page = 2
		}
		if _, err := c.s.LoadHistory(ctx, active.ID, page); err != nil {
			c.printf("! %v\n", err)
			return false
		}
		c.printHistory(active.ID)
	case "online":
		c.printf("* %d online\n", c.s.OnlineCount())
	default:
		c.printf("! commands: /rooms /join <id> /more [page] /online /quit\n")
	}
	return false
}
