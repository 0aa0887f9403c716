//go:build !windows

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/coordinator/coordinatortest"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/process"
)

func TestShareLocalProcess(t *testing.T) {
	srv := coordinatortest.New(t)
	tokens := auth.NewTokenStore(srv.Parser(), nil, logger.Discard())
	tok, err := tokens.Set(srv.Token(t, "sharer", coordinator.AccountGuest))
	require.NoError(t, err)
	client := coordinator.New(srv.URL, tokens, coordinator.WithLogger(logger.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	grid, err := client.CreateGrid(ctx, coordinator.CreateGridRequest{Name: "e2e"})
	require.NoError(t, err)

	sup := process.New(logger.Discard(), process.WithTimings(time.Minute, time.Second))
	defer sup.Close(context.Background())
	reg := New(client, logger.Discard())

	events, unsubscribe := sup.Subscribe(64)
	following := make(chan struct{})
	go func() {
		defer close(following)
		reg.FollowProcesses(ctx, events)
	}()
	defer func() {
		cancel()
		unsubscribe()
		<-following
	}()

	info, err := sup.Start(ctx, process.Config{GridID: grid.ID, Name: "sleeper", Executable: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	_, err = reg.Register(ctx, FromProcess(info, tok.UserID))
	require.NoError(t, err)

	sp, ok := srv.Process(grid.ID, info.ID)
	require.True(t, ok, "coordinator must list the shared process")
	assert.Equal(t, model.StateRunning, sp.Status)
	assert.Equal(t, model.ResourceSpawned, sp.Kind)

	require.NoError(t, sup.Stop(ctx, info.ID))
	require.Eventually(t, func() bool {
		sp, _ := srv.Process(grid.ID, info.ID)
		return sp.Status == model.StateStopped
	}, 2*time.Second, 20*time.Millisecond)

	local, err := reg.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, local.State)
}
