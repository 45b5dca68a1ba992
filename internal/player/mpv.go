package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

var ErrBackendClosed = errors.New("player backend closed")

// Backend plays a single source at a time.
type Backend interface {
	Load(ctx context.Context, source string, start time.Duration) error
	Pause() error
	Resume() error
	Stop() error
	Position() (time.Duration, error)
	// Finished fires when the loaded source plays to its end.
	Finished() <-chan struct{}
	Close() error
}

type mpvCommand struct {
	Command []interface{} `json:"command"`
}

type mpvResponse struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

type mpvEvent struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

// MPV drives an idle mpv process over its JSON IPC socket.
type MPV struct {
	command    string
	socketPath string

	mu        sync.Mutex
	cmd       *exec.Cmd
	eventConn net.Conn
	eventStop chan struct{}
	finished  chan struct{}
	closed    bool
}

func NewMPV(command string) *MPV {
	if command == "" {
		command = "mpv"
	}
	return &MPV{
		command:    command,
		socketPath: filepath.Join(os.TempDir(), fmt.Sprintf("podhub-mpv-%d.sock", os.Getpid())),
		finished:   make(chan struct{}, 1),
	}
}

func (m *MPV) Finished() <-chan struct{} {
	return m.finished
}

func (m *MPV) Load(ctx context.Context, source string, start time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBackendClosed
	}
	if err := m.startLocked(ctx); err != nil {
		return err
	}

	if _, err := m.send("set_property", "start", fmt.Sprintf("+%d", int(start.Seconds()))); err != nil {
		return fmt.Errorf("set start: %w", err)
	}
	if _, err := m.send("loadfile", source, "replace"); err != nil {
		return fmt.Errorf("load %s: %w", source, err)
	}
	if _, err := m.send("set_property", "pause", false); err != nil {
		log.Printf("[WARN] mpv unpause after load: %v", err)
	}
	return nil
}

func (m *MPV) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return nil
	}
	if _, err := m.send("set_property", "pause", true); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

func (m *MPV) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return nil
	}
	if _, err := m.send("set_property", "pause", false); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Stop ends playback but keeps mpv idling for the next Load.
func (m *MPV) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return nil
	}
	if _, err := m.send("stop"); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func (m *MPV) Position() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return 0, nil
	}
	resp, err := m.send("get_property", "time-pos")
	if err != nil {
		if resp != nil && resp.Error == "property unavailable" {
			return 0, nil
		}
		return 0, err
	}
	pos, ok := resp.Data.(float64)
	if !ok || pos < 0 {
		return 0, nil
	}
	return time.Duration(pos * float64(time.Second)), nil
}

func (m *MPV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.shutdownLocked()
	return nil
}

func (m *MPV) startLocked(ctx context.Context) error {
	if m.cmd != nil && m.cmd.ProcessState == nil {
		return nil
	}
	os.Remove(m.socketPath)

	cmd := exec.Command(m.command,
		"--no-video",
		"--really-quiet",
		"--no-terminal",
		fmt.Sprintf("--input-ipc-server=%s", m.socketPath),
		"--idle",
		"--force-window=no",
		"--keep-open=no",
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", m.command, err)
	}
	m.cmd = cmd

	ready := false
	for i := 0; i < 20; i++ {
		if _, err := os.Stat(m.socketPath); err == nil {
			ready = true
			break
		}
		select {
		case <-ctx.Done():
			m.shutdownLocked()
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !ready {
		m.shutdownLocked()
		return fmt.Errorf("mpv socket not created after timeout")
	}

	if err := m.startEventListener(); err != nil {
		log.Printf("[WARN] mpv event listener: %v", err)
	}
	log.Printf("[INFO] mpv started (pid %d)", cmd.Process.Pid)
	return nil
}

func (m *MPV) shutdownLocked() {
	if m.eventStop != nil {
		close(m.eventStop)
		m.eventStop = nil
	}
	if m.eventConn != nil {
		m.eventConn.Close()
		m.eventConn = nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		m.send("quit")

		done := make(chan error, 1)
		go func(cmd *exec.Cmd) {
			done <- cmd.Wait()
		}(m.cmd)
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
			log.Printf("[WARN] killing mpv (pid %d)", m.cmd.Process.Pid)
			m.cmd.Process.Kill()
			<-done
		}
	}
	m.cmd = nil
	os.Remove(m.socketPath)
}

// send issues one command on a fresh connection and reads its reply.
func (m *MPV) send(args ...interface{}) (*mpvResponse, error) {
	conn, err := net.Dial("unix", m.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to mpv socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	data, err := json.Marshal(mpvCommand{Command: args})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		var probe mpvEvent
		if json.Unmarshal(line, &probe) == nil && probe.Event != "" {
			continue
		}
		var resp mpvResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if resp.Error != "" && resp.Error != "success" {
			return &resp, fmt.Errorf("mpv error: %s", resp.Error)
		}
		return &resp, nil
	}
}

func (m *MPV) startEventListener() error {
	conn, err := net.Dial("unix", m.socketPath)
	if err != nil {
		return err
	}
	m.eventConn = conn
	m.eventStop = make(chan struct{})
	go m.handleEvents(conn, m.eventStop)
	return nil
}

func (m *MPV) handleEvents(conn net.Conn, stop <-chan struct{}) {
	reader := bufio.NewReader(conn)
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		var event mpvEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Event == "end-file" && event.Reason == "eof" {
			select {
			case m.finished <- struct{}{}:
			default:
			}
		}
	}
}
