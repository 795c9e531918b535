package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/server"
	"google.golang.org/genai"
)

type clientFrame struct {
	ResponseID      int64  `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	ResponseType    string `json:"response_type"`
	Timestamp       int64  `json:"timestamp"`
}

func dialVoice(t *testing.T, env *testEnv, callID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/voice/" + callID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	gt.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event map[string]any) {
	t.Helper()
	raw, err := json.Marshal(event)
	gt.NoError(t, err)
	gt.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) clientFrame {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	gt.NoError(t, err)

	var frame clientFrame
	gt.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// readTurn collects frames until content_complete for the given response_id
func readTurn(t *testing.T, conn *websocket.Conn, responseID int64) []clientFrame {
	t.Helper()

	var frames []clientFrame
	for {
		frame := readFrame(t, conn)
		frames = append(frames, frame)
		if frame.ContentComplete && frame.ResponseID == responseID {
			return frames
		}
	}
}

func TestVoiceUnregisteredCall(t *testing.T) {
	var generations atomic.Int32
	llm := &mockGemini{
		streamFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error] {
			generations.Add(1)
			return func(yield func(string, error) bool) {}
		},
	}
	env := newTestEnv(t, llm)

	conn := dialVoice(t, env, "never-registered")

	_, _, err := conn.ReadMessage()
	gt.Error(t, err)

	var closeErr *websocket.CloseError
	gt.True(t, errors.As(err, &closeErr))
	gt.Equal(t, closeErr.Code, websocket.ClosePolicyViolation)
	gt.Equal(t, generations.Load(), int32(0))
}

func TestVoiceTurn(t *testing.T) {
	llm := &mockGemini{
		streamFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error] {
			return func(yield func(string, error) bool) {
				for _, frag := range []string{"Your order ", "ships ", "tomorrow."} {
					if !yield(frag, nil) {
						return
					}
				}
			}
		},
	}
	env := newTestEnv(t, llm)
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")

	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      1,
		"transcript": []map[string]string{
			{"role": "user", "content": "where is my order"},
		},
	})

	frames := readTurn(t, conn, 1)
	gt.Equal(t, len(frames), 4)

	var spoken strings.Builder
	for _, frame := range frames {
		gt.Equal(t, frame.ResponseID, int64(1))
		spoken.WriteString(frame.Content)
	}
	gt.Equal(t, spoken.String(), "Your order ships tomorrow.")
	gt.True(t, frames[3].ContentComplete)

	// Both sides of the turn land in the shared history
	msgs, err := env.repo.RecentMessages(context.Background(), "alice", 0)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), 2)
	gt.Equal(t, msgs[0].Text, "where is my order")
	gt.Equal(t, msgs[0].Channel, model.ChannelVoice)
	gt.Equal(t, msgs[1].Text, "Your order ships tomorrow.")
}

func TestVoiceGreeting(t *testing.T) {
	env := newTestEnv(t, &mockGemini{})
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")

	// First response_required arrives before the caller says anything
	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      0,
		"transcript":       []map[string]string{},
	})

	frames := readTurn(t, conn, 0)

	var spoken strings.Builder
	for _, frame := range frames {
		spoken.WriteString(frame.Content)
	}
	gt.Equal(t, spoken.String(), "Hi! How can I help you today?")

	msgs, err := env.repo.RecentMessages(context.Background(), "alice", 0)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), 1)
	gt.Equal(t, msgs[0].Role, model.RoleAgent)
}

func TestVoicePingPong(t *testing.T) {
	env := newTestEnv(t, &mockGemini{})
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")

	sendEvent(t, conn, map[string]any{
		"interaction_type": "ping_pong",
		"timestamp":        1756500000,
	})

	frame := readFrame(t, conn)
	gt.Equal(t, frame.ResponseType, "ping_pong")
	gt.Equal(t, frame.Timestamp, int64(1756500000))
}

func TestVoiceBargeIn(t *testing.T) {
	llm := &mockGemini{
		streamFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error] {
			last := contents[len(contents)-1].Parts[0].Text
			return func(yield func(string, error) bool) {
				if strings.Contains(last, "first") {
					if !yield("about your first question ", nil) {
						return
					}
					// Stall until the turn is superseded
					<-ctx.Done()
					return
				}
				yield("second answer", nil)
			}
		},
	}
	env := newTestEnv(t, llm)
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")

	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      1,
		"transcript": []map[string]string{
			{"role": "user", "content": "first question"},
		},
	})

	// Wait until the first turn is audibly streaming
	first := readFrame(t, conn)
	gt.Equal(t, first.ResponseID, int64(1))

	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      2,
		"transcript": []map[string]string{
			{"role": "user", "content": "actually the second thing"},
		},
	})

	frames := readTurn(t, conn, 2)
	for _, frame := range frames {
		gt.Equal(t, frame.ResponseID, int64(2))
	}

	// The interrupted turn persisted nothing; only the final turn did
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs, err := env.repo.RecentMessages(context.Background(), "alice", 0)
		gt.NoError(t, err)
		if len(msgs) >= 3 || time.Now().After(deadline) {
			gt.Equal(t, len(msgs), 3)
			gt.Equal(t, msgs[2].Text, "second answer")
			for _, msg := range msgs {
				gt.V(t, msg.Text).NotEqual("about your first question ")
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVoiceBargeInDuringGreeting(t *testing.T) {
	llm := &mockGemini{
		streamFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error] {
			return func(yield func(string, error) bool) {
				yield("We open at nine.", nil)
			}
		},
	}
	env := newTestEnv(t, llm)
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")

	// The greeting streams word by word under response_id 0
	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      0,
		"transcript":       []map[string]string{},
	})

	first := readFrame(t, conn)
	gt.Equal(t, first.ResponseID, int64(0))

	// Caller talks over the greeting
	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      1,
		"transcript": []map[string]string{
			{"role": "user", "content": "what time do you open"},
		},
	})

	frames := readTurn(t, conn, 1)

	// Once the new turn starts speaking, no leftover greeting fragment
	// may slip through even though its response_id is 0
	sawNewTurn := false
	for _, frame := range frames {
		if frame.ResponseID == 1 {
			sawNewTurn = true
			continue
		}
		if sawNewTurn {
			gt.V(t, frame.ResponseID).NotEqual(int64(0))
		}
	}
	gt.True(t, sawNewTurn)
}

func TestVoiceLongUtteranceTruncation(t *testing.T) {
	llm := &mockGemini{
		streamFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error] {
			return func(yield func(string, error) bool) {
				yield("Noted.", nil)
			}
		},
	}
	env := newTestEnv(t, llm)
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")

	// 700 three-byte runes: over the byte bound, with the cut landing
	// mid-rune unless truncation respects boundaries
	long := strings.Repeat("あ", 700)
	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      1,
		"transcript": []map[string]string{
			{"role": "user", "content": long},
		},
	})
	readTurn(t, conn, 1)

	msgs, err := env.repo.RecentMessages(context.Background(), "alice", 0)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), 2)
	gt.True(t, utf8.ValidString(msgs[0].Text))
	gt.True(t, len(msgs[0].Text) <= server.MaxMessageLength)
	gt.Equal(t, msgs[0].Text, strings.Repeat("あ", 666))
}

// memStorage keeps archived objects in memory for tests
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return &memStorageWriter{storage: s, key: key}, nil
}

func (s *memStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type memStorageWriter struct {
	bytes.Buffer
	storage *memStorage
	key     string
}

func (w *memStorageWriter) Close() error {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	if w.storage.objects == nil {
		w.storage.objects = map[string][]byte{}
	}
	w.storage.objects[w.key] = append([]byte(nil), w.Bytes()...)
	return nil
}

func TestVoiceTranscriptArchive(t *testing.T) {
	llm := &mockGemini{
		streamFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error] {
			return func(yield func(string, error) bool) {
				yield("Ships tomorrow.", nil)
			}
		},
	}
	store := &memStorage{}
	env := newTestEnv(t, llm, func(input *server.NewInput) {
		input.Storage = store
	})
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")
	sendEvent(t, conn, map[string]any{
		"interaction_type": "response_required",
		"response_id":      1,
		"transcript": []map[string]string{
			{"role": "user", "content": "where is my order"},
		},
	})
	readTurn(t, conn, 1)

	sendEvent(t, conn, map[string]any{
		"interaction_type": "call_ended",
	})

	// The archive is written during teardown, after the socket closes
	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for {
		r, err := http.Get(env.server.URL + "/calls/call-1/transcript")
		gt.NoError(t, err)
		if r.StatusCode == http.StatusOK {
			resp = r
			break
		}
		_ = r.Body.Close()
		if time.Now().After(deadline) {
			t.Fatal("archived transcript never became readable")
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer resp.Body.Close()
	gt.Equal(t, resp.Header.Get("Content-Type"), "application/json")

	var archive struct {
		CallID   string `json:"call_id"`
		Identity string `json:"identity"`
		Turns    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	gt.NoError(t, json.NewDecoder(resp.Body).Decode(&archive))
	gt.Equal(t, archive.CallID, "call-1")
	gt.Equal(t, archive.Identity, "alice")
	gt.Equal(t, len(archive.Turns), 2)
	gt.Equal(t, archive.Turns[0].Role, "user")
	gt.Equal(t, archive.Turns[0].Content, "where is my order")
	gt.Equal(t, archive.Turns[1].Role, "agent")
	gt.Equal(t, archive.Turns[1].Content, "Ships tomorrow.")

	missing, err := http.Get(env.server.URL + "/calls/no-such-call/transcript")
	gt.NoError(t, err)
	defer missing.Body.Close()
	gt.Equal(t, missing.StatusCode, http.StatusNotFound)
}

func TestVoiceCallEndedTeardown(t *testing.T) {
	env := newTestEnv(t, &mockGemini{})
	gt.NoError(t, env.repo.PutCallMapping(context.Background(), "call-1", "alice"))

	conn := dialVoice(t, env, "call-1")
	sendEvent(t, conn, map[string]any{
		"interaction_type": "call_ended",
	})

	// Teardown removes the call mapping
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := env.repo.GetCallMapping(context.Background(), "call-1")
		if err != nil {
			gt.True(t, errors.Is(err, model.ErrNotFound))
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("call mapping was not removed by teardown")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
