// mock-bridge emulates the latch hardware bridge on a Unix socket.
// It speaks the bridge line protocol and drives a simulated hub, so latchd
// can run its real bridge transport without hardware.
//
// Home switches are linked by hub port: a digital input at port N+offset is
// the home switch of the stepper at port N on the same device.
//
// Events can be injected from stdin, one per line:
//
//	state <addr> 0|1
//	ratio <addr> <value>
//	attach <addr>
//	detach <addr>
//
// Usage:
//
//	mock-bridge -socket /tmp/latch_bridge [-home-offset 1] [-trace]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/gateway/sim"
	"head-restraint-go/pkg/log"
)

const errDevice = 1

func main() {
	socketPath := flag.String("socket", "/tmp/latch_bridge", "Unix socket path")
	homeOffset := flag.Int("home-offset", 1, "Hub port offset from a stepper to its home switch")
	period := flag.Duration("period", 20*time.Millisecond, "Motion model step")
	trace := flag.Bool("trace", false, "Enable trace output")
	flag.Parse()

	logger := log.New("mock-bridge")
	log.ConfigureFromEnv(logger)
	if *trace {
		logger.SetLevel(log.DEBUG)
	}

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating socket: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()
	defer os.Remove(*socketPath)

	logger.Info("listening on %s", *socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	var (
		mu      sync.Mutex
		current *session
	)
	go func() {
		err := readInjections(os.Stdin, func() *session {
			mu.Lock()
			defer mu.Unlock()
			return current
		})
		if err != nil && err != io.EOF {
			logger.WithError(err).Warn("stdin closed")
		}
	}()

	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			mu.Lock()
			if current != nil {
				current.close()
			}
			mu.Unlock()
			return
		case conn := <-connCh:
			logger.Info("client connected")
			s := newSession(conn, logger, *homeOffset)
			mu.Lock()
			if current != nil {
				current.close()
			}
			current = s
			mu.Unlock()
			go s.serve(*period)
		}
	}
}

// session serves one host connection from its own simulated hub.
type session struct {
	conn       net.Conn
	hub        *sim.Hub
	logger     *log.Logger
	homeOffset int

	wmu sync.Mutex

	mu       sync.Mutex
	steppers map[string]gateway.Stepper
	inputs   map[string]bool
	lastPos  map[string]float64
	devices  map[int]bool

	cancel context.CancelFunc
}

func newSession(conn net.Conn, logger *log.Logger, homeOffset int) *session {
	return &session{
		conn:       conn,
		hub:        sim.New(logger),
		logger:     logger,
		homeOffset: homeOffset,
		steppers:   make(map[string]gateway.Stepper),
		inputs:     make(map[string]bool),
		lastPos:    make(map[string]float64),
		devices:    make(map[int]bool),
	}
}

func (s *session) serve(period time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer s.close()

	go s.physics(ctx, period)

	sc := bufio.NewScanner(s.conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("<- %s", line)
		if err := s.handle(line); err != nil {
			s.logger.WithError(err).Warn("bad request")
		}
	}
	s.logger.Info("client disconnected")
}

func (s *session) close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.conn.Close()
}

func (s *session) physics(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Advance(period)
			s.flushPositions()
		}
	}
}

func (s *session) send(words ...string) {
	line := strings.Join(words, " ")
	s.logger.Debug("-> %s", line)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	io.WriteString(s.conn, line+"\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// flushPositions reports every stepper position that moved since the last
// report.
func (s *session) flushPositions() {
	s.mu.Lock()
	steppers := make(map[string]gateway.Stepper, len(s.steppers))
	for addr, st := range s.steppers {
		steppers[addr] = st
	}
	s.mu.Unlock()

	for addr, st := range steppers {
		pos, err := st.Position()
		if err != nil {
			continue
		}
		s.mu.Lock()
		last, seen := s.lastPos[addr]
		s.lastPos[addr] = pos
		s.mu.Unlock()
		if !seen || last != pos {
			s.send("POS", addr, formatFloat(pos))
		}
	}
}

func (s *session) handle(line string) error {
	words, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(words) < 2 {
		return fmt.Errorf("short line %q", line)
	}
	switch strings.ToUpper(words[0]) {
	case "OPEN":
		if len(words) != 3 {
			return fmt.Errorf("OPEN wants address and kind")
		}
		return s.open(words[1], gateway.Kind(words[2]))
	case "SET":
		if len(words) != 4 {
			return fmt.Errorf("SET wants address, property and value")
		}
		if err := s.set(words[1], words[2], words[3]); err != nil {
			s.send("ERR", words[1], strconv.Itoa(errDevice), err.Error())
		}
		return nil
	default:
		return fmt.Errorf("unknown request %s", words[0])
	}
}

func (s *session) open(addr string, kind gateway.Kind) error {
	id, err := gateway.ParseAddress(addr)
	if err != nil {
		return err
	}
	id.Kind = kind

	s.mu.Lock()
	first := !s.devices[id.SerialNumber]
	s.devices[id.SerialNumber] = true
	s.mu.Unlock()
	if first {
		s.send("HELLO", strconv.Itoa(id.SerialNumber), `"Mock latch hub"`)
	}

	switch kind {
	case gateway.KindStepper:
		st, err := s.hub.OpenStepper(addr, id)
		if err != nil {
			return err
		}
		st.OnAttach(func() {
			s.flushPositions()
			s.send("ATTACH", addr)
		})
		st.OnDetach(func() { s.send("DETACH", addr) })
		st.OnStopped(func() {
			s.flushPositions()
			s.send("STOP", addr)
		})
		s.mu.Lock()
		s.steppers[addr] = st
		s.mu.Unlock()
		s.link(addr, homeAddress(id, s.homeOffset))

	case gateway.KindDigitalInput:
		in, err := s.hub.OpenDigitalInput(addr, id)
		if err != nil {
			return err
		}
		sendState := func(on bool) {
			s.flushPositions()
			v := "0"
			if on {
				v = "1"
			}
			s.send("STATE", addr, v)
		}
		in.OnAttach(func() {
			if on, err := in.State(); err == nil {
				sendState(on)
			}
			s.send("ATTACH", addr)
		})
		in.OnDetach(func() { s.send("DETACH", addr) })
		in.OnStateChange(sendState)
		s.mu.Lock()
		s.inputs[addr] = true
		s.mu.Unlock()
		s.link(stepperAddress(id, s.homeOffset), addr)

	case gateway.KindVoltageRatioInput:
		r, err := s.hub.OpenVoltageRatioInput(addr, id)
		if err != nil {
			return err
		}
		r.OnAttach(func() {
			if v, err := r.VoltageRatio(); err == nil {
				s.send("RATIO", addr, formatFloat(v))
			}
			s.send("ATTACH", addr)
		})
		r.OnDetach(func() { s.send("DETACH", addr) })
		r.OnVoltageRatioChange(func(v float64) { s.send("RATIO", addr, formatFloat(v)) })

	default:
		return fmt.Errorf("unknown kind %q", kind)
	}

	s.hub.Attach(addr)
	return nil
}

func homeAddress(stepper gateway.Identity, offset int) string {
	id := stepper
	id.HubPort += offset
	return id.Address()
}

func stepperAddress(home gateway.Identity, offset int) string {
	id := home
	id.HubPort -= offset
	return id.Address()
}

// link pairs a stepper with its home switch once both are open.
func (s *session) link(stepper, input string) {
	s.mu.Lock()
	_, haveStepper := s.steppers[stepper]
	haveInput := s.inputs[input]
	s.mu.Unlock()
	if !haveStepper || !haveInput {
		return
	}
	if err := s.hub.LinkHomeSwitch(stepper, input, 0); err != nil {
		s.logger.WithError(err).Warn("link home switch")
		return
	}
	s.logger.Info("linked home switch %s to stepper %s", input, stepper)
}

func (s *session) set(addr, prop, value string) error {
	s.mu.Lock()
	st, ok := s.steppers[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no stepper at %s", addr)
	}

	switch prop {
	case "engaged":
		on, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		return st.SetEngaged(on)
	case "mode":
		m, err := gateway.ParseControlMode(value)
		if err != nil {
			return err
		}
		return st.SetControlMode(m)
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("bad value %q", value)
	}
	switch prop {
	case "target":
		return st.SetTargetPosition(v)
	case "offset":
		if err := st.AddPositionOffset(v); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastPos[addr] += v
		s.mu.Unlock()
		return nil
	case "velocity":
		return st.SetVelocityLimit(v)
	case "accel":
		return st.SetAcceleration(v)
	case "current":
		return st.SetCurrentLimit(v)
	case "holding":
		return st.SetHoldingCurrentLimit(v)
	default:
		return fmt.Errorf("unknown property %s", prop)
	}
}

// readInjections applies operator events read from r to the current session.
func readInjections(r io.Reader, current func() *session) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		words, err := shlex.Split(sc.Text())
		if err != nil || len(words) < 2 {
			continue
		}
		s := current()
		if s == nil {
			fmt.Fprintln(os.Stderr, "no client connected")
			continue
		}
		addr := words[1]
		switch strings.ToLower(words[0]) {
		case "state":
			if len(words) == 3 {
				s.hub.SetState(addr, words[2] == "1")
			}
		case "ratio":
			if len(words) == 3 {
				if v, err := strconv.ParseFloat(words[2], 64); err == nil {
					s.hub.SetRatio(addr, v)
				}
			}
		case "attach":
			s.hub.Attach(addr)
		case "detach":
			s.hub.Detach(addr)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %s\n", words[0])
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
