package ifc

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/sipmesh/scscf/pkg/sipmsg"
)

// wireCriteria is the JSON wire shape a subscriber's iFC list is stored in
// by the HSS. The source XML schema (3GPP TS 29.228
// IMSSubscription) is out of scope here; this is the same trigger-tree shape
// re-expressed as JSON rather than XML, which is all a Go HSS client
// needs to hand the evaluator a usable []FilterCriteria.
type wireCriteria struct {
	Priority        int      `json:"priority"`
	ProfilePart     string   `json:"profile_part"`
	Trigger         wireNode `json:"trigger"`
	ASURI           string   `json:"as_uri"`
	DefaultHandling string   `json:"default_handling"`
	ServiceInfo     string   `json:"service_info,omitempty"`
}

type wireNode struct {
	Type         string     `json:"type"`
	Method       string     `json:"method,omitempty"`
	Pattern      string     `json:"pattern,omitempty"`
	Case         string     `json:"case,omitempty"`
	Header       string     `json:"header,omitempty"`
	ValuePattern string     `json:"value_pattern,omitempty"`
	Children     []wireNode `json:"children,omitempty"`
	Child        *wireNode  `json:"child,omitempty"`
}

// DecodeCriteria decodes an HSS ifc_map entry into the evaluator's
// []FilterCriteria. A malformed entry is dropped (logged by the caller),
// not fatal to the whole list, since one subscriber's bad profile should
// not take down iFC evaluation for anyone else sharing the AoR.
func DecodeCriteria(raw []byte) ([]FilterCriteria, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wire []wireCriteria
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("ifc: decoding criteria: %w", err)
	}
	out := make([]FilterCriteria, 0, len(wire))
	var errs []error
	for _, w := range wire {
		trigger, err := decodeNode(w.Trigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("ifc: priority %d: %w", w.Priority, err))
			continue
		}
		part, err := decodeProfilePart(w.ProfilePart)
		if err != nil {
			errs = append(errs, fmt.Errorf("ifc: priority %d: %w", w.Priority, err))
			continue
		}
		handling, err := decodeDefaultHandling(w.DefaultHandling)
		if err != nil {
			errs = append(errs, fmt.Errorf("ifc: priority %d: %w", w.Priority, err))
			continue
		}
		out = append(out, FilterCriteria{
			Priority:        w.Priority,
			ProfilePart:     part,
			Trigger:         trigger,
			ASURI:           w.ASURI,
			DefaultHandling: handling,
			ServiceInfo:     w.ServiceInfo,
		})
	}
	return out, errors.Join(errs...)
}

func decodeProfilePart(s string) (ProfilePart, error) {
	switch s {
	case "", "both":
		return ProfileBoth, nil
	case "registered":
		return ProfileRegistered, nil
	case "unregistered":
		return ProfileUnregistered, nil
	default:
		return 0, fmt.Errorf("unknown profile_part %q", s)
	}
}

func decodeDefaultHandling(s string) (DefaultHandling, error) {
	switch s {
	case "", "continued", "session_continued":
		return SessionContinued, nil
	case "terminated", "session_terminated":
		return SessionTerminated, nil
	default:
		return 0, fmt.Errorf("unknown default_handling %q", s)
	}
}

func decodeNode(w wireNode) (TriggerNode, error) {
	switch w.Type {
	case "method":
		return MethodEquals{Method: w.Method}, nil
	case "uri_regex":
		re, err := regexp.Compile(w.Pattern)
		if err != nil {
			return nil, fmt.Errorf("uri_regex: %w", err)
		}
		return RequestURIRegex{Pattern: re}, nil
	case "session_case":
		c, err := decodeSessionCase(w.Case)
		if err != nil {
			return nil, err
		}
		return SessionCaseEquals{Case: c}, nil
	case "header":
		var vp *regexp.Regexp
		if w.ValuePattern != "" {
			re, err := regexp.Compile(w.ValuePattern)
			if err != nil {
				return nil, fmt.Errorf("header value_pattern: %w", err)
			}
			vp = re
		}
		return HeaderPresence{Header: w.Header, ValuePattern: vp}, nil
	case "sdp_line":
		re, err := regexp.Compile(w.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sdp_line pattern: %w", err)
		}
		return SDPLineMatch{Pattern: re}, nil
	case "and":
		children, err := decodeNodes(w.Children)
		if err != nil {
			return nil, err
		}
		return And(children), nil
	case "or":
		children, err := decodeNodes(w.Children)
		if err != nil {
			return nil, err
		}
		return Or(children), nil
	case "not":
		if w.Child == nil {
			return nil, fmt.Errorf("not: missing child")
		}
		child, err := decodeNode(*w.Child)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	default:
		return nil, fmt.Errorf("unknown trigger node type %q", w.Type)
	}
}

func decodeNodes(ws []wireNode) ([]TriggerNode, error) {
	out := make([]TriggerNode, 0, len(ws))
	for _, w := range ws {
		n, err := decodeNode(w)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func decodeSessionCase(s string) (sipmsg.SessionCase, error) {
	switch s {
	case "orig", "originating":
		return sipmsg.SessionCaseOriginating, nil
	case "term", "terminating":
		return sipmsg.SessionCaseTerminating, nil
	case "orig-cdiv", "originating-cdiv":
		return sipmsg.SessionCaseOriginatingCdiv, nil
	default:
		return 0, fmt.Errorf("unknown session case %q", s)
	}
}
