// Package ifc evaluates Initial Filter Criteria against a SIP request,
// producing the ordered list of AS hops a served user's subscription
// requires.
package ifc

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/sipmesh/scscf/pkg/sipmsg"
)

// ProfilePart selects which registration states a filter criterion applies
// under.
type ProfilePart int

const (
	ProfileRegistered ProfilePart = iota
	ProfileUnregistered
	ProfileBoth
)

// DefaultHandling is the per-AS policy for an unresponsive AS.
type DefaultHandling int

const (
	SessionContinued DefaultHandling = iota
	SessionTerminated
)

// TriggerNode is one node of the boolean trigger-expression tree: atoms (method, request-URI regex, session-case, header,
// SDP-line) combined with AND/OR/NOT.
type TriggerNode interface {
	Evaluate(req *sipmsg.Request) bool
}

// MethodEquals matches when the request method equals Method.
type MethodEquals struct{ Method string }

func (n MethodEquals) Evaluate(req *sipmsg.Request) bool {
	return strings.EqualFold(req.Method, n.Method)
}

// RequestURIRegex matches the request URI against a compiled pattern.
type RequestURIRegex struct{ Pattern *regexp.Regexp }

func (n RequestURIRegex) Evaluate(req *sipmsg.Request) bool {
	return n.Pattern.MatchString(req.RequestURI)
}

// SessionCaseEquals matches the served-user session case determined by the
// proxy-TSX.
type SessionCaseEquals struct{ Case sipmsg.SessionCase }

func (n SessionCaseEquals) Evaluate(req *sipmsg.Request) bool {
	return req.SessionCase == n.Case
}

// HeaderPresence matches when a header is present, optionally with a
// specific value (regex); an empty ValuePattern means presence alone.
type HeaderPresence struct {
	Header       string
	ValuePattern *regexp.Regexp
}

func (n HeaderPresence) Evaluate(req *sipmsg.Request) bool {
	vals := req.Header.All(n.Header)
	if len(vals) == 0 {
		return false
	}
	if n.ValuePattern == nil {
		return true
	}
	for _, v := range vals {
		if n.ValuePattern.MatchString(v) {
			return true
		}
	}
	return false
}

// SDPLineMatch matches a line within the request body (SDP offer) against a
// pattern, e.g. "m=audio" or a codec name.
type SDPLineMatch struct{ Pattern *regexp.Regexp }

func (n SDPLineMatch) Evaluate(req *sipmsg.Request) bool {
	for _, line := range strings.Split(string(req.Body), "\n") {
		if n.Pattern.MatchString(line) {
			return true
		}
	}
	return false
}

// And is true when every child is true (vacuously true if empty).
type And []TriggerNode

func (n And) Evaluate(req *sipmsg.Request) bool {
	for _, c := range n {
		if !c.Evaluate(req) {
			return false
		}
	}
	return true
}

// Or is true when any child is true (false if empty).
type Or []TriggerNode

func (n Or) Evaluate(req *sipmsg.Request) bool {
	for _, c := range n {
		if c.Evaluate(req) {
			return true
		}
	}
	return false
}

// Not negates its single child.
type Not struct{ Child TriggerNode }

func (n Not) Evaluate(req *sipmsg.Request) bool {
	return !n.Child.Evaluate(req)
}

// FilterCriteria is one entry of a subscriber's iFC list.
type FilterCriteria struct {
	Priority        int
	ProfilePart     ProfilePart
	Trigger         TriggerNode
	ASURI           string
	DefaultHandling DefaultHandling
	ServiceInfo     string
}

// Hop is one matched AS invocation target, in the order the proxy-TSX
// should walk them.
type Hop struct {
	ASURI           string
	DefaultHandling DefaultHandling
	ServiceInfo     string
	Priority        int
}

// FallbackProvider supplies the Fallback iFC (FIFC) per IFCConfiguration
// when a subscriber has no explicit, matching iFC.
type FallbackProvider interface {
	Fallback(registered bool) []FilterCriteria
}

// Evaluator evaluates a subscriber's iFC list against a request.
type Evaluator struct {
	fallback FallbackProvider
	logger   *slog.Logger
}

// New builds an Evaluator. fallback may be nil if no FIFC is configured.
func New(fallback FallbackProvider, logger *slog.Logger) *Evaluator {
	return &Evaluator{fallback: fallback, logger: logger}
}

// MatchingIFCs implements the contract: evaluate criteria in
// ascending priority, filtering by ProfilePart and trigger, falling back to
// the FIFC when nothing in criteria matches.
func (e *Evaluator) MatchingIFCs(criteria []FilterCriteria, req *sipmsg.Request, registered bool) []Hop {
	ordered := e.orderedByPriority(criteria)

	var hops []Hop
	for _, fc := range ordered {
		if !profileApplies(fc.ProfilePart, registered) {
			continue
		}
		if fc.Trigger == nil || fc.Trigger.Evaluate(req) {
			hops = append(hops, Hop{ASURI: fc.ASURI, DefaultHandling: fc.DefaultHandling, ServiceInfo: fc.ServiceInfo, Priority: fc.Priority})
		}
	}

	if len(hops) == 0 && e.fallback != nil {
		for _, fc := range e.fallback.Fallback(registered) {
			hops = append(hops, Hop{ASURI: fc.ASURI, DefaultHandling: fc.DefaultHandling, ServiceInfo: fc.ServiceInfo, Priority: fc.Priority})
		}
	}

	return hops
}

// orderedByPriority sorts ascending by priority; duplicate priorities are a
// configuration error so a warning is logged and ties are
// broken by input order for defensive operation.
func (e *Evaluator) orderedByPriority(criteria []FilterCriteria) []FilterCriteria {
	seen := make(map[int]bool, len(criteria))
	for _, fc := range criteria {
		if seen[fc.Priority] {
			e.logger.Warn("duplicate iFC priority, falling back to input order for the tie", "priority", fc.Priority)
		}
		seen[fc.Priority] = true
	}

	ordered := make([]FilterCriteria, len(criteria))
	copy(ordered, criteria)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

func profileApplies(part ProfilePart, registered bool) bool {
	switch part {
	case ProfileBoth:
		return true
	case ProfileRegistered:
		return registered
	case ProfileUnregistered:
		return !registered
	default:
		return false
	}
}
