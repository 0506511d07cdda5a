package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/scene"
	"github.com/inviso/scenesync/internal/session"
)

const help = `commands:
  add <x,y,z>                      place a point source
  region <x,y,z> <x,y,z> <x,y,z>...  place a region source
  move <key> <x,y,z>
  avatar <x,y,z>
  path <key> [closed] <x,y,z>...   attach a trajectory
  unpath <key>
  speed <key> <v>
  seek <key> <clock>
  volume <key> <v>
  sound <key> <name>
  delete <key>
  play | pause | undo | redo | list | help`

var errUsage = errors.New("usage error, try help")

func parseVec(s string) (geo.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return geo.Vec3{}, fmt.Errorf("point %q: want x,y,z", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.Vec3{}, fmt.Errorf("point %q: %w", s, err)
		}
		v[i] = f
	}
	return geo.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}

func parseVecs(args []string) ([]geo.Vec3, error) {
	out := make([]geo.Vec3, 0, len(args))
	for _, a := range args {
		v, err := parseVec(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloatArg(args []string, i int) (float64, error) {
	if len(args) <= i {
		return 0, errUsage
	}
	return strconv.ParseFloat(args[i], 64)
}

// execute runs one command line on the session loop goroutine.
func execute(ctx context.Context, s *session.Session, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	key := ""
	if len(args) > 0 {
		key = args[0]
	}

	switch cmd {
	case "help":
		_, err := fmt.Fprintln(out, help)
		return err
	case "add":
		if len(args) != 1 {
			return errUsage
		}
		pos, err := parseVec(args[0])
		if err != nil {
			return err
		}
		e, err := s.AddEntity(ctx, scene.PointSource, pos)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, e.Key)
		return err
	case "region":
		pts, err := parseVecs(args)
		if err != nil {
			return err
		}
		e, err := s.AddRegion(ctx, pts)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, e.Key)
		return err
	case "move":
		if len(args) != 2 {
			return errUsage
		}
		pos, err := parseVec(args[1])
		if err != nil {
			return err
		}
		return s.Move(ctx, key, pos, true)
	case "avatar":
		if len(args) != 1 {
			return errUsage
		}
		pos, err := parseVec(args[0])
		if err != nil {
			return err
		}
		return s.MoveAvatar(ctx, pos)
	case "path":
		if len(args) < 2 {
			return errUsage
		}
		rest, closed := args[1:], false
		if rest[0] == "closed" {
			rest, closed = rest[1:], true
		}
		pts, err := parseVecs(rest)
		if err != nil {
			return err
		}
		return s.SetTrajectory(ctx, key, pts, closed)
	case "unpath":
		if key == "" {
			return errUsage
		}
		return s.RemoveTrajectory(ctx, key)
	case "speed", "seek", "volume":
		v, err := parseFloatArg(args, 1)
		if err != nil {
			return err
		}
		switch cmd {
		case "speed":
			return s.SetSpeed(ctx, key, v)
		case "seek":
			return s.Seek(ctx, key, v)
		}
		return s.SetVolume(ctx, key, v)
	case "sound":
		if len(args) != 2 {
			return errUsage
		}
		return s.SetSound(ctx, key, args[1])
	case "delete":
		if key == "" {
			return errUsage
		}
		return s.DeleteEntity(ctx, key)
	case "play", "pause":
		return s.SetPlaying(ctx, cmd == "play")
	case "undo", "redo":
		op := s.Undo
		if cmd == "redo" {
			op = s.Redo
		}
		c, err := op(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, c.Kind)
		return err
	case "list":
		return list(s, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func list(s *session.Session, out io.Writer) error {
	ents := s.Scene().Entities()
	sort.Slice(ents, func(i, j int) bool { return ents[i].Key < ents[j].Key })
	for _, e := range ents {
		_, hasPath := s.Scene().TrajectoryOf(e.Key)
		p := e.Position
		if _, err := fmt.Fprintf(out, "%s\t%s\tid=%s\tpos=%.2f,%.2f,%.2f\tpath=%t\tsound=%s\n",
			e.Key, e.Kind, e.ID, p.X, p.Y, p.Z, hasPath, e.SoundName); err != nil {
			return err
		}
	}
	return nil
}

// readCommands feeds lines to the session loop until input ends or ctx is
// cancelled.
func readCommands(ctx context.Context, s *session.Session, sc *bufio.Scanner, out io.Writer, logger *slog.Logger) {
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := s.Do(func() error {
			if err := execute(ctx, s, line, out); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			return nil
		})
		if err != nil {
			logger.Error("queueing command", "line", line, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		logger.Error("reading commands", "error", err)
	}
}
