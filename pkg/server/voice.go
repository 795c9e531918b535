package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
)

const (
	voiceWriteTimeout  = 10 * time.Second
	voicePingInterval  = 30 * time.Second
	voiceTeardownGrace = 10 * time.Second

	// greetingChunkDelay paces the word-by-word greeting so the voice
	// provider starts speaking without waiting for the full sentence
	greetingChunkDelay = 50 * time.Millisecond
)

// providerEvent is an inbound frame from the voice provider. ResponseID
// identifies the utterance a response must answer; a newer event with a
// higher ResponseID supersedes any in-flight generation.
type providerEvent struct {
	InteractionType string           `json:"interaction_type"`
	ResponseID      int64            `json:"response_id"`
	Timestamp       int64            `json:"timestamp"`
	Transcript      []transcriptTurn `json:"transcript"`
}

type transcriptTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responseFrame is an outbound speech fragment. ContentComplete marks the
// end of one turn's stream.
type responseFrame struct {
	ResponseID      int64  `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
}

type pingPongFrame struct {
	ResponseType string `json:"response_type"`
	Timestamp    int64  `json:"timestamp"`
}

type outboundFrame struct {
	responseID int64
	payload    []byte

	// control marks frames not tied to any turn (pongs); only these skip
	// the superseded-response filter, so turn frames stay filterable even
	// for response_id 0
	control bool
}

// voiceSession is the single-owner actor for one voice call. The read loop
// is the only goroutine that mutates session state; turn generation runs in
// a child goroutine per response_id, and all frames leave through the writer
// goroutine so the connection never sees concurrent writes.
type voiceSession struct {
	server  *Server
	conn    *websocket.Conn
	call    *model.CallSession
	profile *model.DomainProfile
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out chan outboundFrame

	// activeResponse is the response_id of the latest utterance; the writer
	// drops turn frames carrying any other id
	activeResponse atomic.Int64
	greetingSent   atomic.Bool

	// turnCancel aborts the in-flight generation on barge-in; turnDone is
	// closed when that goroutine has fully exited. Both are owned by the
	// read loop.
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	turnWG     sync.WaitGroup

	mu         sync.Mutex
	transcript []transcriptTurn

	closeOnce sync.Once
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	logger := logging.From(r.Context()).With("call_id", callID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	identity, err := s.repo.GetCallMapping(r.Context(), callID)
	if err != nil {
		// No registered identity for this call: refuse before any
		// generation happens rather than answer as an unknown caller.
		logger.Warn("rejecting unregistered call", "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "call not registered")
		deadline := time.Now().Add(voiceWriteTimeout)
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			logger.Warn("failed to send close frame", "error", err)
		}
		if err := conn.Close(); err != nil {
			logger.Warn("failed to close connection", "error", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	sess := &voiceSession{
		server: s,
		conn:   conn,
		call: &model.CallSession{
			CallID:    callID,
			Identity:  identity,
			State:     model.CallActive,
			StartedAt: time.Now(),
		},
		profile: s.profile(r.URL.Query().Get("domain")),
		logger:  logger.With("identity", identity),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan outboundFrame, 64),
	}

	sess.logger.Info("voice call connected", "domain", sess.profile.Key)

	go sess.writeLoop()
	sess.readLoop()
	sess.teardown()
}

// readLoop owns the session state machine. It returns when the provider
// hangs up, the connection breaks, or a protocol violation occurs.
func (s *voiceSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("voice connection closed", "error", err)
			}
			return
		}

		var ev providerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("malformed voice event, closing call", "error", err)
			return
		}

		switch ev.InteractionType {
		case "call_details":
			// Metadata only; identity was already resolved from the
			// registered mapping.

		case "ping_pong":
			s.enqueuePong(ev.Timestamp)

		case "update_only":
			// Interim transcript, no response expected.

		case "response_required", "reminder_required":
			s.startTurn(ev)

		case "call_ended":
			s.logger.Info("provider ended call")
			return

		default:
			s.logger.Debug("ignoring unknown interaction type", "type", ev.InteractionType)
		}
	}
}

// startTurn supersedes any in-flight generation and launches a new one for
// the given utterance. The superseded goroutine is awaited so history
// appends stay strictly serialized per call.
func (s *voiceSession) startTurn(ev providerEvent) {
	if s.turnCancel != nil {
		s.turnCancel()
		<-s.turnDone
	}
	s.activeResponse.Store(ev.ResponseID)

	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	done := make(chan struct{})
	s.turnDone = done

	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		defer close(done)
		s.runTurn(turnCtx, ev)
	}()
}

func (s *voiceSession) runTurn(ctx context.Context, ev providerEvent) {
	text := SanitizeText(lastUserUtterance(ev.Transcript))

	if text == "" {
		// First response_required arrives before the caller has spoken;
		// open with the configured greeting.
		if s.greetingSent.CompareAndSwap(false, true) {
			s.streamGreeting(ctx, ev.ResponseID)
		} else {
			s.emit(ctx, ev.ResponseID, "", true)
		}
		return
	}
	s.greetingSent.Store(true)

	text = truncateUTF8(text, MaxMessageLength)

	emit := func(fragment string) error {
		return s.emit(ctx, ev.ResponseID, fragment, false)
	}

	reply, err := s.server.conversations.StreamTurn(ctx, s.profile, s.call.Identity, text, model.ChannelVoice, emit)
	if err != nil {
		if ctx.Err() != nil {
			// Superseded by a newer utterance or the call is closing;
			// nothing was persisted and nothing more should be spoken.
			s.logger.Debug("turn canceled", "response_id", ev.ResponseID)
			return
		}
		// A half-spoken reply with no way to recover mid-utterance: end
		// the call instead of leaving the caller in silence.
		s.logger.Error("voice turn failed, closing call",
			"response_id", ev.ResponseID,
			"error", err,
		)
		s.shutdown()
		return
	}

	if err := s.emit(ctx, ev.ResponseID, "", true); err != nil {
		return
	}

	s.record("user", text)
	s.record("agent", reply)

	if s.server.intents != nil {
		go s.server.intents.ProcessTurn(ctx, s.profile, s.call.Identity, text, model.ChannelVoice)
	}
}

// streamGreeting speaks the domain greeting word by word and records it as
// an agent message so later turns see it in context
func (s *voiceSession) streamGreeting(ctx context.Context, responseID int64) {
	greeting := s.profile.Greeting

	words := strings.Fields(greeting)
	for i, word := range words {
		chunk := word
		if i > 0 {
			chunk = " " + word
		}
		if err := s.emit(ctx, responseID, chunk, false); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(greetingChunkDelay):
		}
	}

	s.server.conversations.SaveAgentMessage(ctx, s.call.Identity, greeting, model.ChannelVoice)
	s.record("agent", greeting)

	if err := s.emit(ctx, responseID, "", true); err != nil {
		s.logger.Debug("greeting completion dropped", "error", err)
	}
}

// emit queues one turn frame; it fails once the turn or session is done
func (s *voiceSession) emit(ctx context.Context, responseID int64, content string, complete bool) error {
	payload, err := json.Marshal(responseFrame{
		ResponseID:      responseID,
		Content:         content,
		ContentComplete: complete,
	})
	if err != nil {
		return err
	}

	select {
	case s.out <- outboundFrame{responseID: responseID, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *voiceSession) enqueuePong(timestamp int64) {
	payload, err := json.Marshal(pingPongFrame{
		ResponseType: "ping_pong",
		Timestamp:    timestamp,
	})
	if err != nil {
		return
	}

	select {
	case s.out <- outboundFrame{payload: payload, control: true}:
	case <-s.ctx.Done():
	}
}

// writeLoop is the sole writer on the connection. Turn frames whose
// response_id no longer matches the active utterance are dropped here, so a
// barge-in cleanly truncates the superseded stream even if fragments were
// already queued.
func (s *voiceSession) writeLoop() {
	ping := time.NewTicker(voicePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case frame := <-s.out:
			if !frame.control && frame.responseID != s.activeResponse.Load() {
				continue
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(voiceWriteTimeout)); err != nil {
				s.cancel()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
				s.logger.Warn("voice write failed", "error", err)
				s.cancel()
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(voiceWriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Warn("voice ping failed", "error", err)
				s.cancel()
				return
			}
		}
	}
}

// shutdown aborts the session from a turn goroutine: canceling the context
// and closing the socket unblocks the read loop, which then runs teardown
func (s *voiceSession) shutdown() {
	s.cancel()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("connection close", "error", err)
	}
}

func (s *voiceSession) record(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, transcriptTurn{Role: role, Content: text})
}

// teardown releases all call resources exactly once: it stops generation,
// removes the call mapping, archives the transcript, and closes the socket.
// Safe to call from the read loop or from a failed turn goroutine.
func (s *voiceSession) teardown() {
	s.closeOnce.Do(func() {
		s.call.State = model.CallClosing
		s.cancel()
		s.turnWG.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), voiceTeardownGrace)
		defer cancel()

		if err := s.server.repo.DeleteCallMapping(ctx, s.call.CallID); err != nil {
			s.logger.Warn("failed to delete call mapping", "error", err)
		}

		s.archiveTranscript(ctx)

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("connection close", "error", err)
		}

		s.call.State = model.CallClosed
		s.logger.Info("voice call closed",
			"duration", time.Since(s.call.StartedAt).Round(time.Millisecond),
		)
	})
}

type callArchive struct {
	CallID    string           `json:"call_id"`
	Identity  model.Identity   `json:"identity"`
	Domain    string           `json:"domain"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Turns     []transcriptTurn `json:"turns"`
}

func (s *voiceSession) archiveTranscript(ctx context.Context) {
	if s.server.storage == nil {
		return
	}

	s.mu.Lock()
	turns := make([]transcriptTurn, len(s.transcript))
	copy(turns, s.transcript)
	s.mu.Unlock()

	if len(turns) == 0 {
		return
	}

	w, err := s.server.storage.Put(ctx, transcriptKey(s.call.CallID))
	if err != nil {
		s.logger.Warn("failed to open transcript archive", "error", err)
		return
	}

	archive := callArchive{
		CallID:    s.call.CallID,
		Identity:  s.call.Identity,
		Domain:    s.profile.Key,
		StartedAt: s.call.StartedAt,
		EndedAt:   time.Now(),
		Turns:     turns,
	}
	if err := json.NewEncoder(w).Encode(archive); err != nil {
		s.logger.Warn("failed to write transcript archive", "error", err)
	}
	if err := w.Close(); err != nil {
		s.logger.Warn("failed to finalize transcript archive", "error", err)
	}
}

func transcriptKey(callID string) string {
	return "calls/" + callID + ".json"
}

// handleTranscript serves an archived call transcript for dashboard review
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")

	if s.storage == nil {
		respondError(w, http.StatusNotFound, "transcript archive is not configured")
		return
	}

	rc, err := s.storage.Get(r.Context(), transcriptKey(callID))
	if err != nil {
		logging.From(r.Context()).Debug("transcript not found", "call_id", callID, "error", err)
		respondError(w, http.StatusNotFound, "transcript not found")
		return
	}
	defer rc.Close()

	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if _, err := io.Copy(w, rc); err != nil {
		logging.From(r.Context()).Warn("failed to stream transcript", "call_id", callID, "error", err)
	}
}

// truncateUTF8 cuts s to at most max bytes on a rune boundary
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// lastUserUtterance returns the content of the most recent user turn in the
// provider transcript, or empty when the caller has not spoken yet
func lastUserUtterance(transcript []transcriptTurn) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			return transcript[i].Content
		}
	}
	return ""
}
