package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxSignalSize caps an SDP blob posted for negotiation.
const maxSignalSize = 64 << 10

// Signal is the JSON body exchanged on a room's /webrtc endpoint.
type Signal struct {
	SDP string `json:"sdp"`
}

// SignalURL turns a room URL ("ws://host/rooms/notes") into its WebRTC
// signalling endpoint ("http://host/rooms/notes/webrtc").
func SignalURL(room string) (string, error) {
	u, err := url.Parse(room)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", room, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("signal url %s: unsupported scheme %q", room, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/webrtc"
	return u.String(), nil
}

// DialWebRTC negotiates a data channel with the room at roomURL: the offer
// is posted to the room's signalling endpoint and the answer comes back in
// the response. The SDPs carry all candidates, so one round trip suffices.
func DialWebRTC(ctx context.Context, roomURL string, cfg PeerConfig) (*DataChannel, error) {
	target, err := SignalURL(roomURL)
	if err != nil {
		return nil, err
	}
	p, err := NewPeer(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := dialPeer(ctx, p, target)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return ch, nil
}

func dialPeer(ctx context.Context, p *Peer, target string) (*DataChannel, error) {
	offer, err := p.Offer(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(Signal{SDP: offer})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("signal %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	answer, err := readSignal(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", target, err)
	}
	if err := p.Accept(answer.SDP); err != nil {
		return nil, err
	}
	return p.Channel(ctx)
}

// AnswerOffer reads an offer from req, writes the answer, and returns the
// answering peer. Its channel opens once the dialer accepts the answer; on
// error the peer is closed and an HTTP error has been written.
func AnswerOffer(ctx context.Context, w http.ResponseWriter, req *http.Request, cfg PeerConfig) (*Peer, error) {
	offer, err := readSignal(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}
	p, err := NewPeer(cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, err
	}
	answer, err := p.Answer(ctx, offer.SDP)
	if err != nil {
		_ = p.Close()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Signal{SDP: answer}); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("write answer: %w", err)
	}
	return p, nil
}

func readSignal(r io.Reader) (Signal, error) {
	var sig Signal
	if err := json.NewDecoder(io.LimitReader(r, maxSignalSize)).Decode(&sig); err != nil {
		return sig, fmt.Errorf("decode signal: %w", err)
	}
	if sig.SDP == "" {
		return sig, fmt.Errorf("decode signal: empty sdp")
	}
	return sig, nil
}
