// Command task-events tails the task event topic and prints one line per
// status change. TASK_ID or RESOURCE_ID narrow the output to one record.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/task-scheduler/events"
	tsKafka "task-orchestrator/internal/task-scheduler/kafka"
)

const DefaultGroupID = "task-events-tail"

func envID(name string) uint {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		hlog.Fatalf("invalid %s %q: %v", name, v, err)
	}
	return uint(id)
}

func wanted(ev events.Event, taskID, resourceID uint) bool {
	if taskID != 0 && (ev.Task == nil || ev.Task.TaskID != taskID) {
		return false
	}
	if resourceID != 0 {
		switch {
		case ev.Resource != nil:
			return ev.Resource.ResourceID == resourceID
		case ev.Task != nil && ev.Task.ResourceID != nil:
			return *ev.Task.ResourceID == resourceID
		}
		return false
	}
	return true
}

func main() {
	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	cfg := config.Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		hlog.Fatalf("%v", err)
	}
	groupID := os.Getenv("GROUP_ID")
	if groupID == "" {
		groupID = DefaultGroupID
	}
	taskID, resourceID := envID("TASK_ID"), envID("RESOURCE_ID")

	reader := tsKafka.NewEventReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, groupID)
	defer reader.Close()
	hlog.Infof("task-events: reading topic %s from %v as group %s", cfg.Kafka.Topic, cfg.Kafka.Brokers, groupID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for ctx.Err() == nil {
		m, err := reader.ReadMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, io.EOF):
			hlog.Info("task-events: reader closed")
			return
		case err != nil:
			hlog.Warnf("task-events: read error: %v. Retrying...", err)
			time.Sleep(time.Second)
			continue
		}
		ev, err := events.Decode(m.Value)
		if err != nil {
			hlog.Warnf("task-events: partition %d offset %d: %v", m.Partition, m.Offset, err)
			continue
		}
		if wanted(ev, taskID, resourceID) {
			hlog.Info(ev.String())
		}
	}
}
