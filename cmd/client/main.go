// Headless call participant. Joins a lobby's video session from the command
// line, publishing either the local camera (linux) or RTP streams pushed to
// local UDP ports, e.g. from ffmpeg or GStreamer.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mweber/quizparty/call"
)

func main() {
	server := flag.String("server", "ws://localhost:8080/ws/hub", "signalling server URL")
	session := flag.String("session", "", "lobby code to join")
	name := flag.String("name", "camera", "display name")
	camera := flag.Bool("camera", false, "capture from local devices instead of RTP ingest")
	rtpVideo := flag.String("rtp-video", "127.0.0.1:5004", "UDP address for H264 RTP ingest")
	rtpAudio := flag.String("rtp-audio", "127.0.0.1:5006", "UDP address for Opus RTP ingest")
	turnURL := flag.String("turn-url", "", "TURN relay URI, e.g. turn:example.com:3478")
	flag.Parse()

	if *session == "" {
		log.Fatal("-session is required")
	}

	iceServers := fetchIceServers(*server, *turnURL, *name)

	var (
		local *call.LocalStream
		api   *webrtc.API
		err   error
	)
	if *camera {
		local, api, err = call.AcquireMediaDevices()
	} else {
		api, err = call.DefaultAPI()
		if err == nil {
			local, err = call.Acquire([]call.Profile{call.RTPIngestProfile(*rtpVideo, *rtpAudio)})
		}
	}
	if err != nil {
		log.Fatalf("acquire media: %v", err)
	}

	sig, err := call.Dial(*server, *session, *name)
	if err != nil {
		log.Fatalf("dial signalling: %v", err)
	}
	log.Printf("[INFO] joined as %s | session=%s", sig.SelfID(), *session)

	roster := &lobbyRoster{apiBase: httpBase(*server), code: *session}

	sess := call.NewSession(sig, call.Options{
		SessionID:     *session,
		SelfID:        sig.SelfID(),
		DisplayName:   *name,
		View:          logView{},
		NewTransport:  call.PionTransportFactory(api, webrtc.Configuration{ICEServers: iceServers}),
		OrderedRoster: roster.ordered,
		Notify: func(ev call.Event) {
			switch ev.Kind {
			case call.EventPeerConnected:
				log.Printf("[INFO] peer connected | id=%s name=%q", ev.PeerID, ev.Name)
			case call.EventPeerFailed:
				log.Printf("[ERROR] peer failed | id=%s err=%v", ev.PeerID, ev.Err)
			case call.EventPeerLeft:
				log.Printf("[INFO] peer left | id=%s", ev.PeerID)
			case call.EventChannelDown:
				log.Printf("[ERROR] signalling channel down, exiting")
				os.Exit(1)
			}
		},
	})

	if err := sess.Join(local); err != nil {
		log.Fatalf("join call: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	sess.Leave()
	_ = sig.Close()
}

// lobbyRoster resolves the ordered player list from the lobby API so slot
// assignment agrees with the browser clients.
type lobbyRoster struct {
	apiBase string
	code    string

	mu      sync.Mutex
	cached  []string
	fetched time.Time
}

func (r *lobbyRoster) ordered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.fetched) < 2*time.Second {
		return r.cached
	}
	r.fetched = time.Now()

	resp, err := http.Get(r.apiBase + "/api/lobbies/" + r.code)
	if err != nil {
		log.Printf("[ERROR] fetch lobby | %v", err)
		return r.cached
	}
	defer resp.Body.Close()
	var lobby struct {
		Players []struct {
			ID string `json:"id"`
		} `json:"players"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lobby); err != nil {
		log.Printf("[ERROR] decode lobby | %v", err)
		return r.cached
	}
	ids := make([]string, len(lobby.Players))
	for i, p := range lobby.Players {
		ids[i] = p.ID
	}
	r.cached = ids
	return ids
}

func fetchIceServers(serverURL, turnURL, user string) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	if turnURL == "" {
		return servers
	}

	resp, err := http.Get(httpBase(serverURL) + "/turn-credentials?user=" + url.QueryEscape(user))
	if err != nil {
		log.Printf("[INFO] no TURN credentials, STUN only | %v", err)
		return servers
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return servers
	}
	var creds struct {
		Username   string `json:"username"`
		Credential string `json:"password"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return servers
	}
	return append(servers, webrtc.ICEServer{
		URLs:       []string{turnURL},
		Username:   creds.Username,
		Credential: creds.Credential,
	})
}

func httpBase(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "http://localhost:8080"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, u.Host)
	return strings.TrimSuffix(base, "/")
}

// logView satisfies the slot interfaces for a participant with no screen.
type logView struct{}

func (logView) Slot(pos call.Position) call.Slot { return logSlot{pos: pos} }

type logSlot struct{ pos call.Position }

func (s logSlot) AttachStream(stream call.MediaStream, muted bool) {
	log.Printf("[INFO] stream attached | slot=%s stream=%s muted=%t", s.pos, stream.StreamID(), muted)
}

func (s logSlot) Detach() {
	log.Printf("[INFO] stream detached | slot=%s", s.pos)
}

func (s logSlot) SetLabel(text string) {
	log.Printf("[INFO] slot label | slot=%s label=%q", s.pos, text)
}
