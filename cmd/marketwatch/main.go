package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mslater/campus-market/internal/backend"
	"github.com/mslater/campus-market/internal/engine"
	"github.com/mslater/campus-market/internal/session"
	"github.com/mslater/campus-market/internal/stats"
)

type intSliceFlag []int

func (s *intSliceFlag) String() string {
	parts := make([]string, len(*s))
	for i, v := range *s {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (s *intSliceFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid post id %q", part)
		}
		*s = append(*s, v)
	}
	return nil
}

var (
	serverURL string
	token     string
	email     string
	password  string
	debugAddr string
	postIds   intSliceFlag
)

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "backend base URL")
	flag.StringVar(&token, "token", "", "access token, skips login")
	flag.StringVar(&email, "email", "", "account email, used to log in when no token is given")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&debugAddr, "debug-addr", "", "optional address for the expvar debug endpoint")
	flag.Var(&postIds, "posts", "comma-separated post ids to watch")
	flag.Parse()

	logger := log.New(os.Stderr, "[marketwatch] ", log.LstdFlags)

	if token == "" && email != "" {
		var err error
		token, err = login(serverURL, email, password)
		if err != nil {
			logger.Fatal("login:", err)
		}
	}

	viewer, err := session.FromAccessToken(token)
	if err != nil {
		logger.Fatal("token:", err)
	}
	if viewer.Authenticated() {
		logger.Printf("watching as %s (%s)", viewer.Username, viewer.Id)
	} else {
		logger.Println("watching anonymously, viewer-scoped state disabled")
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		go func() {
			if err := http.ListenAndServe(debugAddr, mux); err != nil {
				logger.Println("debug endpoint:", err)
			}
		}()
	}

	wsURL, err := websocketURL(serverURL)
	if err != nil {
		logger.Fatal("server url:", err)
	}

	httpClient := backend.NewHTTPClient(serverURL, token, logger)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	rt, err := backend.DialRealtime(dialCtx, wsURL, token, logger, statsUpdater)
	cancelDial()
	if err != nil {
		logger.Fatal("dial realtime:", err)
	}
	defer rt.Close()

	eng := engine.NewEngine(logger, httpClient, rt, viewer, engine.NewStores(), statsUpdater)
	if err := eng.Start(); err != nil {
		logger.Fatal("start engine:", err)
	}
	defer eng.Close()

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelLoad()

	if len(postIds) > 0 {
		if err := eng.LoadFeed(loadCtx, postIds); err != nil {
			logger.Fatal("load feed:", err)
		}
	}
	if viewer.Authenticated() {
		if err := eng.LoadInbox(loadCtx); err != nil {
			logger.Fatal("load inbox:", err)
		}
	}

	printState(eng, postIds)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-eng.Updates():
			printState(eng, postIds)
		case sig := <-sigs:
			logger.Printf("received signal: %s\n", sig)
			return
		}
	}
}

func printState(eng *engine.Engine, postIds []int) {
	for _, id := range postIds {
		counters := eng.Counters(id)
		flags := eng.Flags(id)
		fmt.Printf("post %d: %d likes, %d comments, liked=%t bookmarked=%t\n",
			id, counters.LikeCount, counters.CommentCount, flags.Liked, flags.Bookmarked)
	}

	if !eng.Viewer().Authenticated() {
		return
	}

	fmt.Printf("unread messages: %d\n", eng.Unread())
	for _, conv := range eng.Conversations() {
		name := conv.PeerUsername
		if name == "" {
			name = conv.PeerId
		}
		fmt.Printf("  %s (%d unread): %s\n", name, conv.UnreadCount, conv.LastMessageText)
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type loginError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// login exchanges credentials for an access token. marketwatch only
// needs the token, the user object in the response is ignored.
func login(serverURL, email, password string) (string, error) {
	payload, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return "", err
	}

	resp, err := http.Post(serverURL+"/api/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr loginError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return "", fmt.Errorf("login failed with status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("login failed: %s", apiErr.Message)
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("login response missing token")
	}
	return body.Token, nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"

	return u.String(), nil
}
