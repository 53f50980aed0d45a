package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/threadline/threadline/internal/logger"
	"github.com/threadline/threadline/pkg/credentials"
	"github.com/threadline/threadline/pkg/forum"
	"github.com/threadline/threadline/pkg/forum/blob"
	"github.com/threadline/threadline/pkg/metrics"
	"github.com/threadline/threadline/pkg/registry"
)

// authState is the position of a session in the login exchange.
type authState int

const (
	awaitUsername authState = iota
	awaitPasswordExisting
	awaitPasswordNew
	authenticated
)

// Deps bundles the shared collaborators a session worker consults. All fields
// except Metrics are required.
type Deps struct {
	Credentials *credentials.Store
	ActiveUsers *registry.ActiveUsers
	Pending     *registry.PendingTransfers
	Threads     *forum.Store
	Attachments *blob.Store
	Metrics     *metrics.Metrics
}

// session is the per-client worker: it owns the authentication state machine
// and the authenticated command loop for one control-plane address.
//
// A session consumes datagrams from its mailbox one at a time and sends
// exactly one reply per authenticated command. The protocol is strictly
// request/response; nothing is read ahead.
type session struct {
	addr string // full control-plane address, for logs and reply routing
	ip   string // reservation key for the data plane

	deps Deps
	send func(payload []byte) error
	mbox *mailbox

	state       authState
	username    string // set once authenticated
	pendingUser string // username named by LOGIN, awaiting its password

	// lastActive is a unix-nano timestamp; the dispatcher's reaper reads it.
	lastActive atomic.Int64

	// remove detaches the session from the dispatcher's table. Set by the
	// dispatcher; a no-op in direct tests.
	remove func()
}

func newSession(addr, ip string, deps Deps, send func([]byte) error) *session {
	s := &session{
		addr:   addr,
		ip:     ip,
		deps:   deps,
		send:   send,
		mbox:   newMailbox(),
		remove: func() {},
	}
	s.lastActive.Store(time.Now().UnixNano())
	return s
}

// run consumes the mailbox until the client logs out, the mailbox is closed,
// or the context is cancelled. The username claim is released on every exit
// path.
func (s *session) run(ctx context.Context) {
	s.deps.Metrics.SessionOpened()

	reason := metrics.ReasonIdle
	defer func() {
		if s.state == authenticated {
			s.deps.ActiveUsers.Release(s.username)
			logger.Info("User logged out", "user", s.username, "client", s.addr)
		}
		s.remove()
		s.deps.Metrics.SessionClosed(reason)
	}()

	for {
		data, ok := s.mbox.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				reason = metrics.ReasonShutdown
			}
			return
		}
		s.lastActive.Store(time.Now().UnixNano())

		if !s.handle(ctx, strings.TrimRight(string(data), "\r\n")) {
			reason = metrics.ReasonLogout
			return
		}
	}
}

// handle processes one inbound message. Returns false when the session must
// terminate (XIT).
func (s *session) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}

	if s.state != authenticated {
		s.handleAuth(line)
		return true
	}
	return s.handleCommand(ctx, line)
}

// reply sends one response datagram back to the session's client.
func (s *session) reply(text string) {
	if err := s.send([]byte(text)); err != nil {
		logger.Warn("Failed to send reply", "client", s.addr, "error", err)
	}
}

// ============================================================================
// Authentication state machine
// ============================================================================

// handleAuth advances the login exchange. Out-of-state or unrecognized
// messages are dropped without a reply so that duplicate or late client
// retransmissions do not derail the exchange.
func (s *session) handleAuth(line string) {
	verb, rest, _ := strings.Cut(line, " ")

	switch s.state {
	case awaitUsername:
		if verb != "LOGIN" || rest == "" {
			return
		}
		s.loginStep(rest)

	case awaitPasswordExisting:
		if verb != "PWD" {
			return
		}
		s.passwordExistingStep(rest)

	case awaitPasswordNew:
		if verb != "PWD" {
			return
		}
		s.passwordNewStep(rest)
	}
}

func (s *session) loginStep(name string) {
	if s.deps.ActiveUsers.Active(name) {
		s.deps.Metrics.ObserveLogin(metrics.OutcomeUserInUse)
		s.reply("USER_IN_USE")
		return
	}
	s.pendingUser = name
	if s.deps.Credentials.Exists(name) {
		s.state = awaitPasswordExisting
		s.reply("EXISTING_USER")
		return
	}
	s.state = awaitPasswordNew
	s.reply("NEW_USER")
}

func (s *session) passwordExistingStep(password string) {
	stored, ok := s.deps.Credentials.Get(s.pendingUser)
	if !ok || stored != password {
		s.state = awaitUsername
		s.deps.Metrics.ObserveLogin(metrics.OutcomeWrongPassword)
		s.reply("WRONG_PASSWORD")
		return
	}
	s.claimAndFinish()
}

func (s *session) passwordNewStep(password string) {
	created, err := s.deps.Credentials.PutIfAbsent(s.pendingUser, password)
	if err != nil {
		logger.Error("Failed to persist new credential", "user", s.pendingUser, "error", err)
		s.state = awaitUsername
		s.reply("WRONG_PASSWORD")
		return
	}
	if !created {
		// Another session registered the name between LOGIN and PWD; fall
		// back to verifying against what won.
		stored, _ := s.deps.Credentials.Get(s.pendingUser)
		if stored != password {
			s.state = awaitUsername
			s.deps.Metrics.ObserveLogin(metrics.OutcomeWrongPassword)
			s.reply("WRONG_PASSWORD")
			return
		}
	}
	s.claimAndFinish()
}

// claimAndFinish atomically claims the username and completes the login.
func (s *session) claimAndFinish() {
	if !s.deps.ActiveUsers.Claim(s.pendingUser) {
		s.state = awaitUsername
		s.deps.Metrics.ObserveLogin(metrics.OutcomeUserInUse)
		s.reply("USER_IN_USE")
		return
	}
	s.username = s.pendingUser
	s.state = authenticated
	s.deps.Metrics.ObserveLogin(metrics.OutcomeSuccess)
	logger.Info("User logged in", "user", s.username, "client", s.addr)
	s.reply("LOGIN_SUCCESS")
}

// ============================================================================
// Authenticated command loop
// ============================================================================

// handleCommand dispatches one authenticated command and sends its reply.
// The wire format carries the client's username as a trailing token; it is
// counted for arity but the session's own authenticated username is
// authoritative.
func (s *session) handleCommand(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		// Whitespace-only datagram: no verb to dispatch on.
		s.reply("ERROR: invalid command")
		return true
	}
	verb := parts[0]

	if verb == "XIT" {
		s.reply("XIT_OK")
		return false
	}

	var resp string
	switch verb {
	case "CRT":
		resp = s.cmdCreate(ctx, parts)
	case "MSG":
		resp = s.cmdPost(ctx, parts)
	case "DLT":
		resp = s.cmdDelete(ctx, parts)
	case "EDT":
		resp = s.cmdEdit(ctx, parts)
	case "LST":
		resp = s.cmdList(ctx)
	case "RDT":
		resp = s.cmdRead(ctx, parts)
	case "UPD":
		resp = s.cmdUpload(ctx, parts)
	case "DWN":
		resp = s.cmdDownload(ctx, parts)
	case "RMV":
		resp = s.cmdRemove(ctx, parts)
	default:
		resp = "ERROR: invalid command"
	}

	s.deps.Metrics.ObserveCommand(verb, !strings.HasPrefix(resp, "ERROR:"))
	s.reply(resp)
	return true
}

func (s *session) cmdCreate(ctx context.Context, parts []string) string {
	if len(parts) != 3 {
		return "ERROR: usage: CRT <threadtitle>"
	}
	title := parts[1]
	if err := s.deps.Threads.Create(ctx, title, s.username); err != nil {
		return errorReply(err)
	}
	return fmt.Sprintf("Thread %s created", title)
}

func (s *session) cmdPost(ctx context.Context, parts []string) string {
	if len(parts) < 4 {
		return "ERROR: usage: MSG <threadtitle> <message>"
	}
	title := parts[1]
	body := strings.Join(parts[2:len(parts)-1], " ")
	seq, err := s.deps.Threads.Post(ctx, title, s.username, body)
	if err != nil {
		return errorReply(err)
	}
	return fmt.Sprintf("Posted message %d to %s", seq, title)
}

func (s *session) cmdDelete(ctx context.Context, parts []string) string {
	if len(parts) != 4 {
		return "ERROR: usage: DLT <threadtitle> <messagenumber>"
	}
	title := parts[1]
	num, err := strconv.Atoi(parts[2])
	if err != nil {
		return "ERROR: message number must be an integer"
	}
	if err := s.deps.Threads.DeleteMessage(ctx, title, s.username, num); err != nil {
		return errorReply(err)
	}
	return fmt.Sprintf("Deleted message %d from %s", num, title)
}

func (s *session) cmdEdit(ctx context.Context, parts []string) string {
	if len(parts) < 5 {
		return "ERROR: usage: EDT <threadtitle> <messagenumber> <new_message>"
	}
	title := parts[1]
	num, err := strconv.Atoi(parts[2])
	if err != nil {
		return "ERROR: message number must be an integer"
	}
	body := strings.Join(parts[3:len(parts)-1], " ")
	if err := s.deps.Threads.EditMessage(ctx, title, s.username, num, body); err != nil {
		return errorReply(err)
	}
	return fmt.Sprintf("Edited message %d in %s", num, title)
}

func (s *session) cmdList(ctx context.Context) string {
	titles, err := s.deps.Threads.List(ctx)
	if err != nil {
		return errorReply(err)
	}
	if len(titles) == 0 {
		return "There are no threads."
	}
	return strings.Join(titles, "\n")
}

func (s *session) cmdRead(ctx context.Context, parts []string) string {
	if len(parts) != 3 {
		return "ERROR: usage: RDT <threadtitle>"
	}
	title := parts[1]
	records, err := s.deps.Threads.Read(ctx, title)
	if err != nil {
		return errorReply(err)
	}
	if len(records) == 0 {
		return fmt.Sprintf("Thread %s is empty.", title)
	}
	lines := make([]string, len(records))
	for i, rec := range records {
		lines[i] = rec.String()
	}
	return strings.Join(lines, "\n")
}

func (s *session) cmdUpload(ctx context.Context, parts []string) string {
	if len(parts) != 4 {
		return "ERROR: usage: UPD <threadtitle> <filename>"
	}
	title, filename := parts[1], parts[2]

	if !s.deps.Threads.Exists(ctx, title) {
		return "ERROR: thread does not exist"
	}
	exists, err := s.deps.Attachments.Exists(ctx, title, filename)
	if err != nil {
		return errorReply(err)
	}
	if exists {
		return "ERROR: file already uploaded to this thread"
	}

	id, err := s.deps.Pending.Reserve(s.ip, registry.Transfer{
		Direction:   registry.Upload,
		Title:       title,
		Filename:    filename,
		Username:    s.username,
		ControlAddr: s.addr,
	})
	if err != nil {
		return errorReply(err)
	}
	logger.Debug("Upload negotiated", "id", id, "thread", title, "file", filename, "user", s.username)
	return "UPD_OK"
}

func (s *session) cmdDownload(ctx context.Context, parts []string) string {
	if len(parts) != 4 {
		return "ERROR: usage: DWN <threadtitle> <filename>"
	}
	title, filename := parts[1], parts[2]

	if !s.deps.Threads.Exists(ctx, title) {
		return "ERROR: thread does not exist"
	}
	exists, err := s.deps.Attachments.Exists(ctx, title, filename)
	if err != nil {
		return errorReply(err)
	}
	if !exists {
		return "ERROR: no such file in this thread"
	}

	id, err := s.deps.Pending.Reserve(s.ip, registry.Transfer{
		Direction:   registry.Download,
		Title:       title,
		Filename:    filename,
		Username:    s.username,
		ControlAddr: s.addr,
	})
	if err != nil {
		return errorReply(err)
	}
	logger.Debug("Download negotiated", "id", id, "thread", title, "file", filename, "user", s.username)
	return "DWN_OK"
}

func (s *session) cmdRemove(ctx context.Context, parts []string) string {
	if len(parts) != 3 {
		return "ERROR: usage: RMV <threadtitle>"
	}
	title := parts[1]

	if err := s.deps.Threads.Remove(ctx, title, s.username); err != nil {
		return errorReply(err)
	}
	if err := s.deps.Attachments.DeleteThread(ctx, title); err != nil {
		logger.Warn("Failed to delete thread attachments", "thread", title, "error", err)
	}
	return fmt.Sprintf("Thread %s deleted", title)
}

// errorReply renders a store or registry error as the uniform ERROR reply.
func errorReply(err error) string {
	if errors.Is(err, registry.ErrReservationExists) {
		return "ERROR: another transfer is already pending"
	}
	var se *forum.StoreError
	if errors.As(err, &se) && se.Code != forum.ErrIOError {
		return "ERROR: " + se.Message
	}
	logger.Error("Command failed", "error", err)
	return "ERROR: internal server error"
}
