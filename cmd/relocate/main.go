// Command relocate announces access point relocations to handoffd and
// optionally prints the application states afterwards.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/control"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/mobility"
	"github.com/signalsfoundry/lvapctl/model"
)

// move is one agent relocation in the local north/east/down frame.
type move struct {
	Host  string
	From  core.Vec3
	To    core.Vec3
	Speed float64
}

type moveList []move

func (m *moveList) String() string {
	parts := make([]string, 0, len(*m))
	for _, mv := range *m {
		parts = append(parts, mv.Host)
	}
	return strings.Join(parts, ",")
}

func (m *moveList) Set(raw string) error {
	mv, err := parseMove(raw)
	if err != nil {
		return err
	}
	*m = append(*m, mv)
	return nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:6666", "Relocation listener address")
	file := flag.String("file", "", "Send the relocation event stored in this JSON file")
	ref := flag.String("ref", "41.178,-8.598,120", "Reference point lat,lon,alt for -move offsets")
	controlAddr := flag.String("control", "", "Control gRPC address; when set, print application states after the event")
	timeout := flag.Duration("timeout", time.Minute, "How long to wait for the event to be processed")
	var moves moveList
	flag.Var(&moves, "move", "host=fromN,fromE:toN,toE@speed (repeatable)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	payload, err := buildPayload(*file, *ref, moves)
	if err != nil {
		log.Error(ctx, "failed to build relocation event", logging.Err(err))
		os.Exit(2)
	}

	ack, done, err := send(ctx, *addr, payload)
	if err != nil {
		log.Error(ctx, "relocation event not delivered", logging.String("addr", *addr), logging.Err(err))
		os.Exit(1)
	}
	fmt.Printf("received at %s\n", ack.Format(time.RFC3339Nano))
	if done {
		fmt.Println("processed")
	} else {
		fmt.Println("rejected")
	}

	if *controlAddr == "" {
		return
	}
	conn, err := grpc.NewClient(*controlAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Error(ctx, "failed to connect to control server", logging.Err(err))
		os.Exit(1)
	}
	defer conn.Close()
	apps, err := control.NewClient(conn).Applications(ctx)
	if err != nil {
		log.Error(ctx, "failed to list applications", logging.Err(err))
		os.Exit(1)
	}
	names := make([]string, 0, len(apps))
	for name := range apps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-24s %s\n", name, apps[name])
	}
}

func buildPayload(file, ref string, moves []move) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		if _, err := mobility.ParseEvent(string(data)); err != nil {
			return "", fmt.Errorf("%s: %w", file, err)
		}
		return compact(data)
	}
	if len(moves) == 0 {
		return "", fmt.Errorf("either -file or at least one -move is required")
	}
	refGPS, err := parseGPS(ref)
	if err != nil {
		return "", fmt.Errorf("ref: %w", err)
	}
	data, err := json.Marshal(buildEvent(refGPS, moves))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func compact(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// buildEvent turns local moves into the geodetic relocation message.
func buildEvent(ref model.GPS, moves []move) model.RelocationEvent {
	toGPS := func(ned core.Vec3) model.GPS {
		lat, lon, alt := core.ECEFToGeodetic(core.NEDToECEF(ned, ref.Lat, ref.Lon, ref.Alt))
		return model.GPS{Lat: lat, Lon: lon, Alt: alt}
	}
	ev := make(model.RelocationEvent, len(moves))
	for _, mv := range moves {
		var vel core.Vec3
		if d := mv.To.Sub(mv.From); d.Norm() > 0 {
			vel = d.Scale(mv.Speed / d.Norm())
		}
		ev[mv.Host] = model.Relocation{
			Origin:      toGPS(mv.From),
			Destination: toGPS(mv.To),
			Reference:   ref,
			Velocity:    model.Velocity{X: vel.X, Y: vel.Y, Z: vel.Z},
		}
	}
	return ev
}

// parseMove reads "host=fromN,fromE:toN,toE@speed".
func parseMove(raw string) (move, error) {
	host, rest, ok := strings.Cut(raw, "=")
	if !ok || host == "" {
		return move{}, fmt.Errorf("move %q: missing host", raw)
	}
	path, rawSpeed, ok := strings.Cut(rest, "@")
	if !ok {
		return move{}, fmt.Errorf("move %q: missing @speed", raw)
	}
	rawFrom, rawTo, ok := strings.Cut(path, ":")
	if !ok {
		return move{}, fmt.Errorf("move %q: missing destination", raw)
	}
	from, err := parsePoint(rawFrom)
	if err != nil {
		return move{}, fmt.Errorf("move %q: %w", raw, err)
	}
	to, err := parsePoint(rawTo)
	if err != nil {
		return move{}, fmt.Errorf("move %q: %w", raw, err)
	}
	speed, err := strconv.ParseFloat(rawSpeed, 64)
	if err != nil || speed <= 0 || math.IsInf(speed, 0) {
		return move{}, fmt.Errorf("move %q: speed must be a positive number", raw)
	}
	return move{Host: host, From: from, To: to, Speed: speed}, nil
}

func parsePoint(raw string) (core.Vec3, error) {
	vals, err := parseFloats(raw, 2)
	if err != nil {
		return core.Vec3{}, err
	}
	return core.Vec3{X: vals[0], Y: vals[1]}, nil
}

func parseGPS(raw string) (model.GPS, error) {
	vals, err := parseFloats(raw, 3)
	if err != nil {
		return model.GPS{}, err
	}
	return model.GPS{Lat: vals[0], Lon: vals[1], Alt: vals[2]}, nil
}

func parseFloats(raw string, n int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%q: want %d comma-separated numbers", raw, n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", raw, err)
		}
		out[i] = v
	}
	return out, nil
}

// send delivers payload and waits for the receive acknowledgement and,
// when the event was accepted, the completion line.
func send(ctx context.Context, addr, payload string) (ack time.Time, done bool, err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return time.Time{}, false, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, payload+"\n"); err != nil {
		return time.Time{}, false, err
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read ack: %w", err)
	}
	ack, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(line))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse ack %q: %w", line, err)
	}

	line, err = r.ReadString('\n')
	switch {
	case err == io.EOF && line == "":
		return ack, false, nil
	case err != nil && line == "":
		return ack, false, fmt.Errorf("read completion: %w", err)
	}
	return ack, strings.TrimSpace(line) == mobility.DoneLine, nil
}
