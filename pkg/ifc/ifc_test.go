package ifc

import (
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sipmesh/scscf/pkg/sipmsg"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatchingIFCsOrdersByPriority(t *testing.T) {
	criteria := []FilterCriteria{
		{Priority: 2, ProfilePart: ProfileBoth, ASURI: "sip:as2.home.net"},
		{Priority: 1, ProfilePart: ProfileBoth, ASURI: "sip:as1.home.net"},
	}
	e := New(nil, discardLogger())
	req := sipmsg.NewRequest("INVITE", "sip:bob@home.net")

	hops := e.MatchingIFCs(criteria, req, true)
	require.Len(t, hops, 2)
	require.Equal(t, "sip:as1.home.net", hops[0].ASURI)
	require.Equal(t, "sip:as2.home.net", hops[1].ASURI)
}

func TestMatchingIFCsFiltersByProfilePart(t *testing.T) {
	criteria := []FilterCriteria{
		{Priority: 1, ProfilePart: ProfileRegistered, ASURI: "sip:reg-only.home.net"},
		{Priority: 2, ProfilePart: ProfileUnregistered, ASURI: "sip:unreg-only.home.net"},
	}
	e := New(nil, discardLogger())
	req := sipmsg.NewRequest("INVITE", "sip:bob@home.net")

	hops := e.MatchingIFCs(criteria, req, true)
	require.Len(t, hops, 1)
	require.Equal(t, "sip:reg-only.home.net", hops[0].ASURI)
}

func TestMatchingIFCsEvaluatesTriggerTree(t *testing.T) {
	criteria := []FilterCriteria{
		{
			Priority:    1,
			ProfilePart: ProfileBoth,
			ASURI:       "sip:voicemail.home.net",
			Trigger: And{
				MethodEquals{Method: "INVITE"},
				Not{Child: HeaderPresence{Header: "Diversion"}},
			},
		},
	}
	e := New(nil, discardLogger())

	matching := sipmsg.NewRequest("INVITE", "sip:bob@home.net")
	hops := e.MatchingIFCs(criteria, matching, true)
	require.Len(t, hops, 1)

	nonMatching := sipmsg.NewRequest("MESSAGE", "sip:bob@home.net")
	hops = e.MatchingIFCs(criteria, nonMatching, true)
	require.Empty(t, hops)

	diverted := sipmsg.NewRequest("INVITE", "sip:bob@home.net")
	diverted.Header.Set("Diversion", "<sip:carol@home.net>")
	hops = e.MatchingIFCs(criteria, diverted, true)
	require.Empty(t, hops)
}

func TestMatchingIFCsFallsBackToFIFC(t *testing.T) {
	fallback := fallbackFunc(func(registered bool) []FilterCriteria {
		return []FilterCriteria{{Priority: 1, ASURI: "sip:fifc.home.net"}}
	})
	e := New(fallback, discardLogger())
	req := sipmsg.NewRequest("INVITE", "sip:bob@home.net")

	hops := e.MatchingIFCs(nil, req, true)
	require.Len(t, hops, 1)
	require.Equal(t, "sip:fifc.home.net", hops[0].ASURI)
}

func TestMatchingIFCsDuplicatePriorityKeepsInputOrder(t *testing.T) {
	criteria := []FilterCriteria{
		{Priority: 1, ProfilePart: ProfileBoth, ASURI: "sip:first.home.net"},
		{Priority: 1, ProfilePart: ProfileBoth, ASURI: "sip:second.home.net"},
	}
	e := New(nil, discardLogger())
	req := sipmsg.NewRequest("INVITE", "sip:bob@home.net")

	hops := e.MatchingIFCs(criteria, req, true)
	require.Len(t, hops, 2)
	require.Equal(t, "sip:first.home.net", hops[0].ASURI)
	require.Equal(t, "sip:second.home.net", hops[1].ASURI)
}

func TestRequestURIRegexTrigger(t *testing.T) {
	trigger := RequestURIRegex{Pattern: regexp.MustCompile(`^sip:\+1`)}
	req := sipmsg.NewRequest("INVITE", "sip:+15551234567@home.net")
	require.True(t, trigger.Evaluate(req))

	req2 := sipmsg.NewRequest("INVITE", "sip:bob@home.net")
	require.False(t, trigger.Evaluate(req2))
}

type fallbackFunc func(registered bool) []FilterCriteria

func (f fallbackFunc) Fallback(registered bool) []FilterCriteria { return f(registered) }
