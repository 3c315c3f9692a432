package websocket

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nebula/panelterm/internal/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panelFixture struct {
	panel    *PanelConn
	client   *websocket.Conn
	relaunch atomic.Int32
	closed   chan *PanelConn
}

func newPanelFixture(t *testing.T) *panelFixture {
	t.Helper()
	f := &panelFixture{closed: make(chan *PanelConn, 1)}
	ready := make(chan *PanelConn, 1)
	hooks := PanelHooks{
		OnRelaunch: func() { f.relaunch.Add(1) },
		OnClose:    func(p *PanelConn) { f.closed <- p },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := UpgradePanel(NewUpgrader(nil), w, r, "panel-1", hooks, nil)
		if err != nil {
			return
		}
		ready <- p
	}))
	t.Cleanup(srv.Close)

	f.client = dial(t, wsURL(srv))
	select {
	case f.panel = <-ready:
	case <-time.After(waitFor):
		t.Fatal("panel was not upgraded")
	}
	return f
}

func (f *panelFixture) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, f.client.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (f *panelFixture) read(t *testing.T) (int, []byte) {
	t.Helper()
	f.client.SetReadDeadline(time.Now().Add(waitFor))
	kind, data, err := f.client.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

func (f *panelFixture) readFrame(t *testing.T) ServerFrame {
	t.Helper()
	kind, data := f.read(t)
	require.Equal(t, websocket.TextMessage, kind)
	var frame ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestPanelOutputFrames(t *testing.T) {
	f := newPanelFixture(t)

	buf := []byte("hello\r\n")
	f.panel.Write(buf)
	buf[0] = 'j' // Write must not retain the caller's buffer

	kind, data := f.read(t)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "hello\r\n", string(data))

	f.panel.Writeln("\r\nError: Failed to start terminal: boom")
	f.panel.Resize(80, 24)
	f.panel.Clear()
	f.panel.Notice("Failed to start terminal: boom")
	f.panel.Status(terminal.StatusEvent{PanelID: "panel-1", State: terminal.StateRunning})
	f.panel.Dispose()

	assert.Equal(t, ServerFrame{Type: FrameWriteln, Data: "\r\nError: Failed to start terminal: boom"}, f.readFrame(t))
	assert.Equal(t, ServerFrame{Type: FrameResize, Cols: 80, Rows: 24}, f.readFrame(t))
	assert.Equal(t, FrameClear, f.readFrame(t).Type)
	assert.Equal(t, ServerFrame{Type: FrameNotice, Message: "Failed to start terminal: boom"}, f.readFrame(t))

	status := f.readFrame(t)
	assert.Equal(t, FrameStatus, status.Type)
	require.NotNil(t, status.Status)
	assert.Equal(t, terminal.StateRunning, status.Status.State)

	assert.Equal(t, FrameDispose, f.readFrame(t).Type)
}

func TestPanelInputReachesSubscribers(t *testing.T) {
	f := newPanelFixture(t)

	var mu sync.Mutex
	var got []string
	unsubscribe := f.panel.OnData(func(data string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data)
	})
	received := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	f.send(t, `{"type":"input","data":"ls\r"}`)
	require.NoError(t, f.client.WriteMessage(websocket.BinaryMessage, []byte("pwd\r")))
	assert.Eventually(t, func() bool { return len(received()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"ls\r", "pwd\r"}, received())

	unsubscribe()
	unsubscribe()
	f.send(t, `{"type":"input","data":"dropped"}`)
	f.send(t, `{"type":"layout"}`) // round trip marker
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"ls\r", "pwd\r"}, received())
}

func TestPanelProposals(t *testing.T) {
	f := newPanelFixture(t)

	_, ok := f.panel.ProposeDimensions()
	assert.False(t, ok)

	f.send(t, `{"type":"propose","cols":120,"rows":40}`)
	assert.Eventually(t, func() bool {
		d, ok := f.panel.ProposeDimensions()
		return ok && d == terminal.Dimensions{Cols: 120, Rows: 40}
	}, waitFor, tick)

	f.send(t, `{"type":"propose","cols":90,"rows":null}`)
	assert.Eventually(t, func() bool {
		d, ok := f.panel.ProposeDimensions()
		return ok && d.Cols == 90 && math.IsNaN(d.Rows)
	}, waitFor, tick)

	f.send(t, `{"type":"propose","cols":null,"rows":null}`)
	assert.Eventually(t, func() bool {
		_, ok := f.panel.ProposeDimensions()
		return !ok
	}, waitFor, tick)
}

func TestPanelContainerAndLayoutEvents(t *testing.T) {
	f := newPanelFixture(t)

	sizes := make(chan [2]float64, 4)
	layouts := make(chan struct{}, 4)
	unobserve := f.panel.Container().ObserveSize(func(w, h float64) { sizes <- [2]float64{w, h} })
	f.panel.OnLayoutChange(func() { layouts <- struct{}{} })

	f.send(t, `{"type":"container","width":640,"height":480}`)
	f.send(t, `{"type":"layout"}`)

	select {
	case got := <-sizes:
		assert.Equal(t, [2]float64{640, 480}, got)
	case <-time.After(waitFor):
		t.Fatal("no container size")
	}
	select {
	case <-layouts:
	case <-time.After(waitFor):
		t.Fatal("no layout change")
	}

	unobserve()
	f.send(t, `{"type":"container","width":1,"height":1}`)
	f.send(t, `{"type":"layout"}`)
	select {
	case <-layouts:
	case <-time.After(waitFor):
		t.Fatal("no layout change")
	}
	assert.Empty(t, sizes)
}

func TestPanelRelaunchFrame(t *testing.T) {
	f := newPanelFixture(t)

	f.send(t, `{"type":"bogus"}`)
	f.send(t, `not json`)
	f.send(t, `{"type":"relaunch"}`)
	assert.Eventually(t, func() bool { return f.relaunch.Load() == 1 }, waitFor, tick)
}

func TestPanelClientDisconnect(t *testing.T) {
	f := newPanelFixture(t)

	f.client.Close()
	select {
	case p := <-f.closed:
		assert.Same(t, f.panel, p)
	case <-time.After(waitFor):
		t.Fatal("OnClose not called")
	}
	<-f.panel.Done()

	// writes after the socket is gone return immediately
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*sendBuffer; i++ {
			f.panel.Write([]byte("x"))
		}
		f.panel.Notice("gone")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("write blocked on a closed panel")
	}
}

func TestPanelDetach(t *testing.T) {
	f := newPanelFixture(t)

	f.panel.Detach()
	f.panel.Detach()

	f.client.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := f.client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	select {
	case <-f.closed:
	case <-time.After(waitFor):
		t.Fatal("OnClose not called")
	}
}
