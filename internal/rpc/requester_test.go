package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-sync/internal/protocol"
	"agent-sync/internal/timeline"
)

func TestRequesterDecodesResponse(t *testing.T) {
	h := newHarness(t)
	fetch := NewRequester[protocol.TimelineFetchParams, timeline.FetchResponse](h.c, protocol.TypeTimelineFetch, Options{})

	type result struct {
		resp timeline.FetchResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := fetch.Execute(context.Background(), protocol.TimelineFetchParams{
			AgentID:      "a1",
			FetchRequest: timeline.PlanInitialFetch(nil, false, 10),
		})
		done <- result{resp, err}
	}()

	req := h.waitSent(1)
	var params protocol.TimelineFetchParams
	require.NoError(t, req.Decode(&params))
	require.Equal(t, "a1", params.AgentID)
	require.Equal(t, timeline.DirectionTail, params.Direction)
	require.Equal(t, 10, params.Limit)

	require.True(t, h.respond(req, timeline.FetchResponse{AgentID: "a1", Epoch: "e1", EndSeq: 4}))
	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, "e1", r.resp.Epoch)
	require.Equal(t, int64(4), r.resp.EndSeq)
}

func TestRequesterDecodeError(t *testing.T) {
	h := newHarness(t)
	list := NewRequester[struct{}, protocol.AgentListResult](h.c, protocol.TypeAgentList, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := list.Execute(context.Background(), struct{}{})
		done <- err
	}()
	req := h.waitSent(1)
	require.True(t, h.respond(req, map[string]string{"agents": "not a list"}))
	err := <-done
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode agent.list response")
}

func TestRequesterCancelOnlyItsType(t *testing.T) {
	h := newHarness(t)
	list := NewRequester[struct{}, protocol.AgentListResult](h.c, protocol.TypeAgentList, Options{})

	listDone := make(chan error, 1)
	go func() {
		_, err := list.Execute(context.Background(), struct{}{})
		listDone <- err
	}()
	other := h.execute(context.Background(), protocol.TypeTimelineSubscribe, map[string]string{"agentId": "x"}, Options{})
	h.waitSent(2)

	list.Cancel("view closed")
	require.ErrorIs(t, <-listDone, ErrCanceled)
	require.Equal(t, 1, h.c.Pending())

	list.Reset()
	require.Equal(t, 1, h.c.Pending())

	h.sender.mu.Lock()
	var sub *protocol.Request
	for _, r := range h.sender.sent {
		if r.Type == protocol.TypeTimelineSubscribe {
			sub = r
		}
	}
	h.sender.mu.Unlock()
	require.True(t, h.respond(sub, nil))
	require.NoError(t, recv(t, other).err)
}
