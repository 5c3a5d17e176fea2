// Package popup implements the Popup Coordinator (spec §4.2): it turns a
// synchronous "please ask the user" call into an asynchronous UI-side
// event plus a blocking waiter, with content-hash deduplication, a
// short-lived completion cache, and broadcast fan-out to duplicate
// waiters.
//
// Grounded on the teacher's mutex-protected, disk-backed stores in
// internal/ai/investigation/store.go and internal/ai/memory/context.go
// (map of maps behind sync.RWMutex, background-saved) for the shape of
// "many short critical sections, no lock held across an await"; the
// broadcast-group fan-out is new to this domain and modeled on a
// single-producer/multi-consumer channel per content hash as spec §9
// directs ("replaces any ad-hoc retry-until-response-arrives logic").
package popup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/contextdev/contextd/internal/daemonerr"
)

const (
	// PendingCapacity bounds the number of concurrently in-flight popup
	// requests (spec §4.2).
	PendingCapacity = 100
	// CompletedTTL is how long a delivered response stays in the
	// completion cache, protecting against tool-client retry storms.
	CompletedTTL = 30 * time.Second
	// MaxResponseBytes bounds a UI-delivered response payload.
	MaxResponseBytes = 10 * 1024 * 1024
)

// Request mirrors spec §3 PopupRequest.
type Request struct {
	ID                string
	Message           string
	PredefinedOptions []string
	IsMarkdown        bool
}

// Response is the opaque text a UI delivers back; it may itself be a
// JSON-encoded {user_input, selected_options, images} payload, which
// the Coordinator passes through unchanged; Decode and IsCancelled
// interpret it for callers.
type Response string

// UISink is the external "show popup and deliver a user reply"
// collaborator spec §1 calls out as consumed, not built, by this core.
type UISink interface {
	ShowPopup(ctx context.Context, req Request) error
}

type pendingEntry struct {
	ch chan Response
}

type ongoingEntry struct {
	canonicalID string
	subscribers []chan Response
}

type completedEntry struct {
	response  Response
	expiresAt time.Time
}

// Coordinator owns the three mutex-protected maps of spec §4.2.
type Coordinator struct {
	mu sync.Mutex

	pending   map[string]*pendingEntry   // request_id -> waiter
	ongoing   map[string]*ongoingEntry   // content_hash -> canonical waiter + subscribers
	completed map[string]completedEntry  // content_hash -> last delivered response

	sink UISink

	// idGen is overridable in tests.
	idGen func() string
}

// New builds a Coordinator backed by sink for UI delivery.
func New(sink UISink) *Coordinator {
	return &Coordinator{
		pending:   make(map[string]*pendingEntry),
		ongoing:   make(map[string]*ongoingEntry),
		completed: make(map[string]completedEntry),
		sink:      sink,
		idGen:     func() string { return uuid.NewString() },
	}
}

// ContentHash computes h = hash(message ∥ options) per spec §4.2 step 1.
func ContentHash(message string, options []string) string {
	h := sha256.New()
	h.Write([]byte(message))
	for _, o := range options {
		h.Write([]byte{0})
		h.Write([]byte(o))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ask admits a popup request and blocks until a response, timeout, or
// context cancellation. enrich, if non-nil, augments the message with
// best-effort recalled context before the first UI dispatch of a fresh
// request (spec §4.2 step 4) — its errors are silently ignored.
func (c *Coordinator) Ask(ctx context.Context, message string, options []string, isMarkdown bool, timeout time.Duration, enrich func(string) string) (Response, error) {
	h := ContentHash(message, options)

	c.mu.Lock()
	if entry, ok := c.sweepCompletedLocked(h); ok {
		c.mu.Unlock()
		return entry.response, nil
	}

	if ong, ok := c.ongoing[h]; ok {
		sub := make(chan Response, 1)
		ong.subscribers = append(ong.subscribers, sub)
		c.mu.Unlock()
		return c.waitOn(ctx, sub, timeout, h, "")
	}

	if len(c.pending) >= PendingCapacity {
		c.mu.Unlock()
		return "", daemonerr.New(daemonerr.PopupFailed, "pending popup capacity exceeded")
	}

	id := c.idGen()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return "", daemonerr.New(daemonerr.InvalidParams, "duplicate request id")
	}

	ch := make(chan Response, 1)
	c.pending[id] = &pendingEntry{ch: ch}
	c.ongoing[h] = &ongoingEntry{canonicalID: id}
	c.mu.Unlock()

	enrichedMessage := message
	if enrich != nil {
		if v := safeEnrich(enrich, message); v != "" {
			enrichedMessage = v
		}
	}

	if err := c.sink.ShowPopup(ctx, Request{ID: id, Message: enrichedMessage, PredefinedOptions: options, IsMarkdown: isMarkdown}); err != nil {
		c.cleanup(id, h)
		return "", daemonerr.Wrap(daemonerr.PopupFailed, "UI unavailable", err)
	}

	return c.waitOn(ctx, ch, timeout, h, id)
}

// safeEnrich isolates a panicking or slow enrichment callback from
// corrupting popup admission; failures are silently ignored per spec.
func safeEnrich(enrich func(string) string, message string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("popup context enrichment failed")
			result = ""
		}
	}()
	return enrich(message)
}

func (c *Coordinator) waitOn(ctx context.Context, ch chan Response, timeout time.Duration, hash, id string) (Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return "", daemonerr.New(daemonerr.PopupFailed, "popup cancelled")
		}
		return resp, nil
	case <-timer.C:
		if id != "" {
			c.cleanup(id, hash)
		} else {
			c.removeSubscriber(hash, ch)
		}
		return "", daemonerr.New(daemonerr.Timeout, "popup wait timed out")
	case <-ctx.Done():
		if id != "" {
			c.cleanup(id, hash)
		} else {
			c.removeSubscriber(hash, ch)
		}
		return "", daemonerr.Wrap(daemonerr.Timeout, "popup wait cancelled", ctx.Err())
	}
}

// Deliver is invoked by the UI side when a user answers request id.
// It performs the atomic hand-off described in spec §4.2 "Delivery".
func (c *Coordinator) Deliver(id string, response Response) error {
	if len(response) > MaxResponseBytes {
		return daemonerr.New(daemonerr.InvalidParams, "popup response exceeds 10 MiB")
	}

	c.mu.Lock()
	entry, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return daemonerr.New(daemonerr.InvalidParams, fmt.Sprintf("no pending popup for id %s", id))
	}
	delete(c.pending, id)

	var hash string
	var subs []chan Response
	for h, ong := range c.ongoing {
		if ong.canonicalID == id {
			hash = h
			subs = ong.subscribers
			delete(c.ongoing, h)
			break
		}
	}
	if hash != "" {
		c.completed[hash] = completedEntry{response: response, expiresAt: time.Now().Add(CompletedTTL)}
	}
	c.mu.Unlock()

	entry.ch <- response
	close(entry.ch)
	for _, sub := range subs {
		sub <- response
		close(sub)
	}
	return nil
}

// Cancel marks a pending popup as cancelled (UI-signalled cancellation).
func (c *Coordinator) Cancel(id string) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	var hash string
	var subs []chan Response
	for h, ong := range c.ongoing {
		if ong.canonicalID == id {
			hash = h
			subs = ong.subscribers
			delete(c.ongoing, h)
			break
		}
	}
	_ = hash
	c.mu.Unlock()

	close(entry.ch)
	for _, sub := range subs {
		close(sub)
	}
}

func (c *Coordinator) cleanup(id, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	if ong, ok := c.ongoing[hash]; ok && ong.canonicalID == id {
		delete(c.ongoing, hash)
	}
}

func (c *Coordinator) removeSubscriber(hash string, ch chan Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ong, ok := c.ongoing[hash]
	if !ok {
		return
	}
	for i, sub := range ong.subscribers {
		if sub == ch {
			ong.subscribers = append(ong.subscribers[:i], ong.subscribers[i+1:]...)
			return
		}
	}
}

// sweepCompletedLocked lazily evicts an expired completion entry and
// returns the live one, if any. Caller must hold c.mu.
func (c *Coordinator) sweepCompletedLocked(hash string) (completedEntry, bool) {
	entry, ok := c.completed[hash]
	if !ok {
		return completedEntry{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.completed, hash)
		return completedEntry{}, false
	}
	return entry, true
}

// PendingCount reports the number of in-flight popups (for health/metrics).
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// StructuredResponse is the structured {user_input, selected_options,
// images} JSON shape from spec §3; Response.Decode parses it, falling
// back to treating the raw text as user_input.
type StructuredResponse struct {
	UserInput       string   `json:"user_input,omitempty"`
	SelectedOptions []string `json:"selected_options,omitempty"`
	Images          []Image  `json:"images,omitempty"`
}

// Image is one embedded image in a structured popup response.
type Image struct {
	DataBase64 string `json:"data_base64"`
	MediaType  string `json:"media_type"`
	Filename   string `json:"filename,omitempty"`
}

// Decode parses r as StructuredResponse, falling back to a bare
// user_input wrapping the raw text when it is not JSON.
func (r Response) Decode() StructuredResponse {
	var s StructuredResponse
	if err := json.Unmarshal([]byte(r), &s); err == nil && (s.UserInput != "" || len(s.SelectedOptions) > 0 || len(s.Images) > 0) {
		return s
	}
	return StructuredResponse{UserInput: string(r)}
}

// Cancelled is the sentinel text (or localized equivalent) a UI uses to
// signal explicit user cancellation (spec §7).
const Cancelled = "CANCELLED"

// IsCancelled reports whether r represents an explicit user cancellation.
func (r Response) IsCancelled() bool {
	return string(r) == Cancelled
}
