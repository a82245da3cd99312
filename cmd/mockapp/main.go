package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/wilsongn/Whatslike-sub000/internal/protocol"
	"go.uber.org/zap"
)

type appConfig struct {
	nodeAddr string
	username string
	password string
	mode     string
	to       string
	group    string
	text     string
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("mock app failed", zap.Error(err))
	}
}

func parseConfig() appConfig {
	var cfg appConfig
	flag.StringVar(&cfg.nodeAddr, "node", "127.0.0.1:7000", "TCP address of a relay node")
	flag.StringVar(&cfg.username, "user", "", "Username to authenticate as")
	flag.StringVar(&cfg.password, "password", "", "Password or token, depending on the node's auth mode")
	flag.StringVar(&cfg.mode, "mode", "listen", "What to do after auth (listen|private|group|create-group|join|users)")
	flag.StringVar(&cfg.to, "to", "", "Recipient for private messages, or the user to add with -mode join")
	flag.StringVar(&cfg.group, "group", "", "Group name for group, create-group and join modes")
	flag.StringVar(&cfg.text, "text", "hello", "Message text")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	if cfg.username == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	return cfg
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
	log  *zap.Logger
}

func run(ctx context.Context, cfg appConfig, log *zap.Logger) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.nodeAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.nodeAddr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := &client{conn: conn, r: bufio.NewReader(conn), log: log}
	if err := c.send(protocol.TypeAuth, "", protocol.AuthRequest{Username: cfg.username, Password: cfg.password}); err != nil {
		return err
	}
	if _, err := c.await(protocol.TypeAck); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	log.Info("authenticated", zap.String("user", cfg.username), zap.String("node", cfg.nodeAddr))

	switch cfg.mode {
	case "listen":
		return c.listen()
	case "private":
		if cfg.to == "" {
			return errors.New("-to is required for private mode")
		}
		if err := c.send(protocol.TypePrivateMsg, cfg.to, protocol.PrivateMessage{To: cfg.to, Text: cfg.text}); err != nil {
			return err
		}
	case "group":
		if cfg.group == "" {
			return errors.New("-group is required for group mode")
		}
		if err := c.send(protocol.TypeGroupMsg, cfg.group, protocol.GroupMessage{Group: cfg.group, Text: cfg.text}); err != nil {
			return err
		}
	case "create-group":
		if err := c.send(protocol.TypeCreateGroup, "", protocol.CreateGroupRequest{Name: cfg.group}); err != nil {
			return err
		}
		_, err := c.await(protocol.TypeAck)
		return err
	case "join":
		if err := c.send(protocol.TypeAddToGroup, "", protocol.AddToGroupRequest{Name: cfg.group, Username: cfg.to}); err != nil {
			return err
		}
		_, err := c.await(protocol.TypeAck)
		return err
	case "users":
		if err := c.send(protocol.TypeListUsers, "", protocol.ListUsersRequest{}); err != nil {
			return err
		}
		env, err := c.await(protocol.TypeListUsers)
		if err != nil {
			return err
		}
		var resp protocol.ListUsersResponse
		if err := env.DecodePayload(&resp); err != nil {
			return err
		}
		for _, u := range resp.Users {
			fmt.Println(u)
		}
		return nil
	default:
		return fmt.Errorf("unsupported mode %q", cfg.mode)
	}

	// Confirm the relay accepted the message; a Ping round trip flushes any Error first.
	if err := c.send(protocol.TypePing, "", nil); err != nil {
		return err
	}
	_, err = c.await(protocol.TypePong)
	return err
}

func (c *client) send(typ protocol.MessageType, to string, msg any) error {
	env, err := protocol.NewEnvelope(typ, "", to, msg)
	if err != nil {
		return err
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(c.conn, data)
}

func (c *client) read() (protocol.Envelope, error) {
	frame, err := protocol.ReadFrame(c.r, 0)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Unmarshal(frame)
}

// await reads until an envelope of type want arrives, printing anything else.
// An Error envelope ends the wait.
func (c *client) await(want protocol.MessageType) (protocol.Envelope, error) {
	for {
		env, err := c.read()
		if err != nil {
			return protocol.Envelope{}, err
		}
		switch env.Type {
		case want:
			c.print(env)
			return env, nil
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			_ = env.DecodePayload(&msg)
			return env, fmt.Errorf("relay error %s: %s", msg.Code, msg.Message)
		default:
			c.print(env)
		}
	}
}

func (c *client) listen() error {
	for {
		env, err := c.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.log.Info("relay closed the connection")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return err
		}
		c.print(env)
	}
}

func (c *client) print(env protocol.Envelope) {
	c.log.Info("received",
		zap.Stringer("type", env.Type),
		zap.String("from", env.From),
		zap.String("to", env.To),
		zap.String("payload", env.Payload),
	)
}
