package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// simTarget is the built-in simulated arm. It gives an MCP client
// something real to drive out of the box: commands that walk the
// idle/moving/holding state machine, telemetry on the bus, and an
// emergency stop that drops the latch.
const simTarget = schema.RigHandle("sim-1")

func registerSimTarget(r *rig.MemoryRig, logger *slog.Logger) {
	r.AddTarget(simTarget, "idle")

	move := func(defaultPose string, travel time.Duration) rig.CommandHandler {
		return func(ctx context.Context, goal map[string]any) (any, error) {
			pose := defaultPose
			if p, ok := goal["pose"].(string); ok && p != "" {
				pose = p
			}
			if err := r.SetState(ctx, simTarget, "moving"); err != nil {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(travel):
			}
			if err := r.SetState(ctx, simTarget, "idle"); err != nil {
				return nil, err
			}
			_ = r.Publish(ctx, simTarget, schema.Message{
				SourcePath: "motion/arm",
				Kind:       "pose",
				Payload:    map[string]any{"pose": pose},
			})
			return map[string]any{"pose": pose}, nil
		}
	}
	r.RegisterCommand("move_home", move("home", 150*time.Millisecond))
	r.RegisterCommand("move_to", move("", 250*time.Millisecond))

	r.RegisterCommand("grip", func(ctx context.Context, goal map[string]any) (any, error) {
		force := 0.5
		if f, ok := goal["force"].(float64); ok {
			force = f
		}
		if err := r.SetState(ctx, simTarget, "holding"); err != nil {
			return nil, err
		}
		return map[string]any{"held": true, "force": force}, nil
	})
	r.RegisterCommand("release", func(ctx context.Context, goal map[string]any) (any, error) {
		if err := r.SetState(ctx, simTarget, "idle"); err != nil {
			return nil, err
		}
		return map[string]any{"held": false}, nil
	})

	r.RegisterCommand("probe", func(ctx context.Context, goal map[string]any) (any, error) {
		reading := map[string]any{"value": 20 + rand.Float64()*5, "unit": "C"}
		_ = r.Publish(ctx, simTarget, schema.Message{
			SourcePath: "sensors/temp",
			Kind:       "reading",
			Payload:    reading,
		})
		return reading, nil
	})

	r.RegisterCommand("estop", func(ctx context.Context, goal map[string]any) (any, error) {
		r.Disarm("operator emergency stop")
		// The latch re-arms after a short lockout so the sim stays usable.
		go func() {
			time.Sleep(3 * time.Second)
			r.Arm()
			logger.Info("sim rig re-armed", slog.String("target", string(simTarget)))
		}()
		return nil, nil
	})
}
