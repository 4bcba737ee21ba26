package streamkeeper

import (
	"fmt"
	"time"
)

// commandKind identifies which typed command is carried by a command
// envelope.
type commandKind int

const (
	cmdIsRecording commandKind = iota
	cmdStop
	cmdCreatePlaybackMount
)

type command struct {
	kind commandKind

	cameraID string

	friendlyName string
	start        time.Time
	end          time.Time

	reply chan commandReply
}

type commandReply struct {
	recording bool
	err       error
}

const commandTimeout = 5 * time.Second

// IsRecording reports whether cameraID currently has a live Recording
// Context, serviced on the reconciliation goroutine so the answer reflects
// a consistent snapshot of tracked state.
func (k *Keeper) IsRecording(cameraID string) (bool, error) {
	reply := make(chan commandReply, 1)
	cmd := command{kind: cmdIsRecording, cameraID: cameraID, reply: reply}
	return k.send(cmd)
}

// StopCamera requests that cameraID's Recording Context be torn down immediately
// (used by the GUI "bounce" after a property change forces a config-hash
// mismatch the next reconciliation tick would otherwise have to wait for).
func (k *Keeper) StopCamera(cameraID string) error {
	reply := make(chan commandReply, 1)
	cmd := command{kind: cmdStop, cameraID: cameraID, reply: reply}
	_, err := k.send(cmd)
	return err
}

// CreatePlaybackMount requests a synthetic RTSP mount over a stored time
// range for cameraID. Returns the mount's URL path.
func (k *Keeper) CreatePlaybackMount(cameraID, friendlyName string, start, end time.Time) (string, error) {
	reply := make(chan commandReply, 1)
	cmd := command{kind: cmdCreatePlaybackMount, cameraID: cameraID, friendlyName: friendlyName, start: start, end: end, reply: reply}
	_, err := k.send(cmd)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/%s_%s_%s", friendlyName, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)), nil
}

func (k *Keeper) send(cmd command) (bool, error) {
	select {
	case k.cmdCh <- cmd:
	case <-time.After(commandTimeout):
		return false, fmt.Errorf("streamkeeper: command queue full")
	}
	select {
	case r := <-cmd.reply:
		return r.recording, r.err
	case <-time.After(commandTimeout):
		return false, fmt.Errorf("streamkeeper: command timed out")
	}
}

// service executes a command on the reconciliation goroutine, so state
// access here is single-threaded.
func (k *Keeper) service(cmd command) {
	switch cmd.kind {
	case cmdIsRecording:
		k.mu.Lock()
		_, ok := k.tracked[cmd.cameraID]
		k.mu.Unlock()
		cmd.reply <- commandReply{recording: ok}
	case cmdStop:
		k.drop(cmd.cameraID)
		cmd.reply <- commandReply{}
	case cmdCreatePlaybackMount:
		cam, err := k.deps.Cameras.Get(cmd.cameraID)
		if err != nil {
			cmd.reply <- commandReply{err: err}
			return
		}
		name := fmt.Sprintf("%s_%s_%s", cmd.friendlyName, cmd.start.UTC().Format(time.RFC3339), cmd.end.UTC().Format(time.RFC3339))
		if err := startPlaybackMount(k.deps, cam, name, cmd.start, cmd.end); err != nil {
			cmd.reply <- commandReply{err: err}
			return
		}
		cmd.reply <- commandReply{}
	}
}
