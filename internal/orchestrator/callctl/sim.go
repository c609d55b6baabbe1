package callctl

import (
	"context"
	"fmt"
	"sync"
)

// Sim is an in-process PBX simulator implementing Provider. It backs local
// development when no real provider is configured and lets tests script
// per-primitive rejections to exercise workflow fallbacks.
//
// The model is deliberately small: calls are ordered sets of parties, each
// with a connection state and a terminal state. State transitions follow what
// the orchestration layer can observe through Participants.
type Sim struct {
	mu      sync.Mutex
	seq     int
	handles map[string]Handle
	calls   map[CallRef]*simCall
	rejects map[string]string
	opCount map[string]int
	caps    Capabilities
}

type simCall struct {
	parties     []*simParty
	controller  string // transfer controller extension, when asserted
	featureCode string // set when the call was placed via feature code
}

type simParty struct {
	ext   string
	state ConnState
	term  TermState
}

// NewSim creates a simulator with every capability enabled.
func NewSim() *Sim {
	return &Sim{
		handles: make(map[string]Handle),
		calls:   make(map[CallRef]*simCall),
		rejects: make(map[string]string),
		opCount: make(map[string]int),
		caps: Capabilities{
			Redirect:           true,
			SingleStepTransfer: true,
			TwoCallTransfer:    true,
			Conference:         true,
			FeatureCodes:       true,
		},
	}
}

// Register makes an extension resolvable.
func (s *Sim) Register(extension string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[extension] = Handle{Extension: extension, Terminal: "term-" + extension}
}

// SetCapabilities overrides the advertised capability flags.
func (s *Sim) SetCapabilities(caps Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
}

// FailOp scripts a persistent rejection for a primitive. The op names match
// the Provider method in lowerCamelCase ("redirect", "transferToCall", ...).
func (s *Sim) FailOp(op, diag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[op] = diag
}

// ClearFailures removes all scripted rejections.
func (s *Sim) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = make(map[string]string)
}

// OpCalls reports how many times a primitive was attempted (including
// rejected attempts). Used by tests to assert a primitive was never reached.
func (s *Sim) OpCalls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opCount[op]
}

// PlaceCall establishes a two-party call with both parties talking. Test and
// development helper; not part of Provider.
func (s *Sim) PlaceCall(a, b string) CallRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.newRef()
	s.calls[ref] = &simCall{parties: []*simParty{
		{ext: a, state: ConnConnected, term: TermTalking},
		{ext: b, state: ConnConnected, term: TermTalking},
	}}
	return ref
}

// Answer moves a ringing party to connected/talking.
func (s *Sim) Answer(call CallRef, extension string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[call]; ok {
		if p := c.party(extension); p != nil {
			p.state = ConnConnected
			p.term = TermTalking
		}
	}
}

// PartyTermState reports a party's terminal state, TermUnknown if absent.
func (s *Sim) PartyTermState(call CallRef, extension string) TermState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[call]; ok {
		if p := c.party(extension); p != nil {
			return p.term
		}
	}
	return TermUnknown
}

// FeatureCodeFor returns the dial string a call was created with, if any.
func (s *Sim) FeatureCodeFor(call CallRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[call]; ok {
		return c.featureCode
	}
	return ""
}

// ActiveCalls reports how many calls the simulator currently tracks.
func (s *Sim) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (c *simCall) party(ext string) *simParty {
	for _, p := range c.parties {
		if p.ext == ext {
			return p
		}
	}
	return nil
}

func (c *simCall) live() bool {
	for _, p := range c.parties {
		if p.state != ConnDisconnected && p.state != ConnFailed {
			return true
		}
	}
	return false
}

func (s *Sim) newRef() CallRef {
	s.seq++
	return CallRef(fmt.Sprintf("sim-call-%d", s.seq))
}

// begin records the attempt and returns a scripted rejection, if any.
// Caller must hold s.mu.
func (s *Sim) begin(op string) error {
	s.opCount[op]++
	if diag, ok := s.rejects[op]; ok {
		return Reject(op, diag)
	}
	return nil
}

func (s *Sim) call(ref CallRef) (*simCall, error) {
	c, ok := s.calls[ref]
	if !ok || !c.live() {
		return nil, ErrStaleCall
	}
	return c, nil
}

// --- Provider implementation ---

func (s *Sim) ResolveHandle(ctx context.Context, extension string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("resolveHandle"); err != nil {
		return Handle{}, err
	}
	h, ok := s.handles[extension]
	if !ok {
		return Handle{}, fmt.Errorf("extension %s: %w", extension, ErrUnavailable)
	}
	return h, nil
}

func (s *Sim) FindActiveCall(ctx context.Context, extension string) (CallRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("findActiveCall"); err != nil {
		return "", err
	}
	for ref, c := range s.calls {
		p := c.party(extension)
		if p != nil && p.state != ConnDisconnected && p.state != ConnFailed {
			return ref, nil
		}
	}
	return "", fmt.Errorf("extension %s: %w", extension, ErrNoActiveCall)
}

func (s *Sim) Hold(ctx context.Context, call CallRef, extension string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("hold"); err != nil {
		return err
	}
	c, err := s.call(call)
	if err != nil {
		return err
	}
	p := c.party(extension)
	if p == nil {
		return fmt.Errorf("hold %s: %w", extension, ErrParticipantNotFound)
	}
	p.term = TermHeld
	return nil
}

func (s *Sim) Unhold(ctx context.Context, call CallRef, extension string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("unhold"); err != nil {
		return err
	}
	c, err := s.call(call)
	if err != nil {
		return err
	}
	p := c.party(extension)
	if p == nil {
		return fmt.Errorf("unhold %s: %w", extension, ErrParticipantNotFound)
	}
	p.term = TermTalking
	return nil
}

func (s *Sim) Disconnect(ctx context.Context, call CallRef, extension string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("disconnect"); err != nil {
		return err
	}
	c, ok := s.calls[call]
	if !ok {
		return ErrStaleCall
	}
	p := c.party(extension)
	if p == nil {
		return fmt.Errorf("disconnect %s: %w", extension, ErrParticipantNotFound)
	}
	p.state = ConnDisconnected
	p.term = TermDropped
	if !c.live() {
		delete(s.calls, call)
	}
	return nil
}

func (s *Sim) Originate(ctx context.Context, extension, target string) (CallRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("originate"); err != nil {
		return "", err
	}
	if _, ok := s.handles[extension]; !ok {
		return "", fmt.Errorf("extension %s: %w", extension, ErrUnavailable)
	}
	ref := s.newRef()
	s.calls[ref] = &simCall{parties: []*simParty{
		{ext: extension, state: ConnConnected, term: TermTalking},
		{ext: target, state: ConnAlerting, term: TermRinging},
	}}
	return ref, nil
}

func (s *Sim) Redirect(ctx context.Context, call CallRef, extension, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("redirect"); err != nil {
		return err
	}
	if !s.caps.Redirect {
		return Reject("redirect", "capability not supported")
	}
	c, err := s.call(call)
	if err != nil {
		return err
	}
	p := c.party(extension)
	if p == nil {
		return fmt.Errorf("redirect %s: %w", extension, ErrParticipantNotFound)
	}
	p.state = ConnDisconnected
	p.term = TermDropped
	c.parties = append(c.parties, &simParty{ext: target, state: ConnConnected, term: TermTalking})
	return nil
}

func (s *Sim) TransferToAddress(ctx context.Context, call CallRef, target string) (CallRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("transferToAddress"); err != nil {
		return "", err
	}
	if !s.caps.SingleStepTransfer {
		return "", Reject("transferToAddress", "capability not supported")
	}
	c, err := s.call(call)
	if err != nil {
		return "", err
	}
	// The controlling party leaves the call, target joins.
	leaving := c.controller
	if leaving == "" && len(c.parties) > 0 {
		leaving = c.parties[0].ext
	}
	if p := c.party(leaving); p != nil {
		p.state = ConnDisconnected
		p.term = TermDropped
	}
	c.parties = append(c.parties, &simParty{ext: target, state: ConnConnected, term: TermTalking})
	return call, nil
}

func (s *Sim) TransferToCall(ctx context.Context, from, to CallRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("transferToCall"); err != nil {
		return err
	}
	if !s.caps.TwoCallTransfer {
		return Reject("transferToCall", "capability not supported")
	}
	cf, err := s.call(from)
	if err != nil {
		return err
	}
	ct, err := s.call(to)
	if err != nil {
		return err
	}
	s.merge(ct, cf, true)
	delete(s.calls, from)
	return nil
}

func (s *Sim) SetTransferController(ctx context.Context, call CallRef, extension string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("setTransferController"); err != nil {
		return err
	}
	c, err := s.call(call)
	if err != nil {
		return err
	}
	if c.party(extension) == nil {
		return fmt.Errorf("transfer controller %s: %w", extension, ErrParticipantNotFound)
	}
	c.controller = extension
	return nil
}

func (s *Sim) Conference(ctx context.Context, base, other CallRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("conference"); err != nil {
		return err
	}
	if !s.caps.Conference {
		return Reject("conference", "capability not supported")
	}
	cb, err := s.call(base)
	if err != nil {
		return err
	}
	co, err := s.call(other)
	if err != nil {
		return err
	}
	s.merge(cb, co, false)
	delete(s.calls, other)
	return nil
}

func (s *Sim) ExecuteFeatureCode(ctx context.Context, extension, code string) (CallRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("featureCode"); err != nil {
		return "", err
	}
	if !s.caps.FeatureCodes {
		return "", Reject("featureCode", "capability not supported")
	}
	if _, ok := s.handles[extension]; !ok {
		return "", fmt.Errorf("extension %s: %w", extension, ErrUnavailable)
	}
	ref := s.newRef()
	s.calls[ref] = &simCall{
		parties:     []*simParty{{ext: extension, state: ConnConnected, term: TermTalking}},
		featureCode: code,
	}
	return ref, nil
}

func (s *Sim) Participants(ctx context.Context, call CallRef) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("participants"); err != nil {
		return nil, err
	}
	c, ok := s.calls[call]
	if !ok {
		return nil, ErrStaleCall
	}
	out := make([]Participant, 0, len(c.parties))
	for _, p := range c.parties {
		out = append(out, Participant{Extension: p.ext, State: p.state, TermState: p.term})
	}
	return out, nil
}

func (s *Sim) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// merge folds src's live parties into dst. When transfer is true the party
// common to both calls drops out (transfer semantics); otherwise it keeps its
// dst leg (conference semantics).
func (s *Sim) merge(dst, src *simCall, transfer bool) {
	for _, p := range src.parties {
		if p.state == ConnDisconnected || p.state == ConnFailed {
			continue
		}
		if existing := dst.party(p.ext); existing != nil {
			if transfer {
				existing.state = ConnDisconnected
				existing.term = TermDropped
			} else if existing.term == TermHeld {
				existing.term = TermTalking
			}
			continue
		}
		dst.parties = append(dst.parties, &simParty{ext: p.ext, state: p.state, term: p.term})
	}
}
