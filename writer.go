package bacbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/servisys/bacbridge/bacnet"
	"github.com/servisys/bacbridge/log"
)

// WriteCommand is a write request received on the command topic. Commands
// come from the GUI with a job id for result correlation.
type WriteCommand struct {
	JobID          string `json:"jobId"`
	DeviceIP       string `json:"deviceIp"`
	DeviceID       uint32 `json:"deviceId"`
	ObjectType     string `json:"objectType"`
	ObjectInstance uint32 `json:"objectInstance"`
	Value          any    `json:"value"`
	Priority       int    `json:"priority"`
	Release        bool   `json:"release"`
	PointName      string `json:"pointName"`
}

type writeResult struct {
	JobID          string `json:"jobId"`
	Success        bool   `json:"success"`
	Timestamp      string `json:"timestamp"`
	Error          string `json:"error,omitempty"`
	DeviceID       uint32 `json:"deviceId"`
	PointName      string `json:"pointName"`
	ObjectType     string `json:"objectType,omitempty"`
	ObjectInstance uint32 `json:"objectInstance,omitempty"`
	Value          any    `json:"value,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	Release        bool   `json:"release"`
}

// writeQueue is the FIFO between the MQTT callback and the polling loop.
// The callback only enqueues; BACnet I/O never runs on the client's
// router goroutine.
type writeQueue struct {
	mu       sync.Mutex
	commands []WriteCommand
}

func (q *writeQueue) push(cmd WriteCommand) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands = append(q.commands, cmd)
	return len(q.commands)
}

func (q *writeQueue) drain() []WriteCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.commands
	q.commands = nil
	return cmds
}

func (b *Bridge) enqueueWrite(payload []byte) {
	var cmd WriteCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Error("Invalid write command payload", err)
		return
	}
	if cmd.JobID == "" {
		// Commands from the GUI always carry a job id. Assign one for
		// ad-hoc commands so results stay correlatable.
		cmd.JobID = uuid.NewString()
	}
	n := b.writes.push(cmd)
	log.Info("Write command queued", "job", cmd.JobID, "queued", n)
}

// processWrites executes queued write commands in arrival order before
// the poll cycle starts.
func (b *Bridge) processWrites(ctx context.Context) {
	for _, cmd := range b.writes.drain() {
		b.executeWrite(ctx, cmd)
	}
}

func (b *Bridge) executeWrite(ctx context.Context, cmd WriteCommand) {
	if cmd.Release {
		log.Info("Executing write command", "job", cmd.JobID, "device", cmd.DeviceID,
			"point", cmd.PointName, "action", "release")
	} else {
		log.Info("Executing write command", "job", cmd.JobID, "device", cmd.DeviceID,
			"point", cmd.PointName, "value", cmd.Value)
	}

	err := b.writePoint(ctx, cmd)
	result := writeResult{
		JobID:          cmd.JobID,
		Success:        err == nil,
		Timestamp:      time.Now().In(b.location()).Format(timeFormat),
		DeviceID:       cmd.DeviceID,
		PointName:      cmd.PointName,
		ObjectType:     cmd.ObjectType,
		ObjectInstance: cmd.ObjectInstance,
		Value:          cmd.Value,
		Priority:       cmd.Priority,
		Release:        cmd.Release,
	}
	if err != nil {
		result.Error = err.Error()
		log.Error("Write command failed", err, "job", cmd.JobID)
	} else {
		log.Info("Write command completed", "job", cmd.JobID)
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Error("Failed to encode write result", err, "job", cmd.JobID)
		return
	}
	b.client.Publish(writeResultTopic, 1, false, data)
}

// writePoint validates the command and writes presentValue directly. The
// priority field is carried through for the result payload but writes do
// not target the priority array.
func (b *Bridge) writePoint(ctx context.Context, cmd WriteCommand) error {
	if cmd.DeviceIP == "" {
		return errors.New("write command missing deviceIp")
	}
	if cmd.Priority != 0 && (cmd.Priority < 1 || cmd.Priority > 16) {
		return fmt.Errorf("priority %d outside 1..16", cmd.Priority)
	}
	objType, err := bacnet.ParseObjectType(cmd.ObjectType)
	if err != nil {
		return err
	}
	value, err := bacnet.EncodeWrite(objType, cmd.Value, cmd.Release)
	if err != nil {
		return err
	}
	addr := deviceAddr(cmd.DeviceIP, 0)
	obj := bacnet.ObjectID{Type: objType, Instance: cmd.ObjectInstance}
	return b.bac.WriteProperty(ctx, addr, obj, bacnet.PropPresentValue, value)
}
