package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vpsdeck/vpsdeck/internal/command"
	"github.com/vpsdeck/vpsdeck/internal/config"
	"github.com/vpsdeck/vpsdeck/internal/files"
	"github.com/vpsdeck/vpsdeck/internal/gateway"
	"github.com/vpsdeck/vpsdeck/internal/supervisor"
	"github.com/vpsdeck/vpsdeck/internal/transport"
)

func newShellCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session on the remote host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cfg)
		},
	}
}

func runShell(cfg *config.Config) error {
	launch, err := supervisor.SelfLauncher(func(port int) []string {
		return []string{"serve", "--port", strconv.Itoa(port)}
	}, nil)
	if err != nil {
		return err
	}
	ctrl := supervisor.New(launch, supervisor.Options{
		Port:         cfg.Port,
		StopGrace:    cfg.StopGrace,
		StartTimeout: cfg.StartTimeout,
	}, log.Logger)

	session := transport.NewManager(transport.DefaultReconnectPolicy())
	fileSvc := files.NewService(session, cfg.FileIOTimeout)
	cmdSvc := command.NewService(session, cfg.CommandTimeout, log.Logger)
	gw := gateway.New(session, fileSvc, cmdSvc, ctrl, log.Logger)

	sh := &shell{gw: gw, out: os.Stdout}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
		defer cancel()
		_, _ = gw.StopServer(ctx)
		gw.Disconnect()
	}()

	if creds, ok := config.CredentialsFromEnv(); ok {
		sh.connect(context.Background(), creds)
	}

	fmt.Fprintln(sh.out, "vpsdeck shell, type 'help' for commands")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(sh.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		sh.dispatch(context.Background(), line)
	}
}

type shell struct {
	gw  *gateway.Gateway
	out io.Writer
}

func (s *shell) dispatch(ctx context.Context, line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "help":
		s.help()
	case "connect":
		err = s.cmdConnect(ctx, args)
	case "disconnect":
		info := s.gw.Disconnect()
		fmt.Fprintf(s.out, "disconnected from %s\n", info.Host)
	case "session":
		info := s.gw.SessionInfo()
		fmt.Fprintf(s.out, "%s@%s (%s)\n", info.User, info.Host, info.Status)
	case "ls":
		err = s.cmdList(ctx, args)
	case "cat":
		err = s.cmdCat(ctx, args)
	case "get":
		err = s.cmdGet(ctx, args)
	case "put":
		err = s.cmdPut(ctx, args)
	case "rm":
		err = s.one(ctx, args, "rm", s.gw.Delete)
	case "mkdir":
		err = s.one(ctx, args, "mkdir", s.gw.CreateDirectory)
	case "rename":
		err = s.cmdRename(ctx, args)
	case "run":
		err = s.cmdRun(ctx, args)
	case "server":
		err = s.cmdServer(ctx, args)
	default:
		fmt.Fprintf(s.out, "unknown command %q, type 'help'\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %s\n", err)
	}
}

func (s *shell) help() {
	fmt.Fprint(s.out, `commands:
  connect [user@host[:port]]        open the remote session (secret from VPSDECK_SSH_SECRET)
  disconnect                        close the remote session
  session                           show session status
  ls [path]                         list a directory
  cat <path>                        print a remote file
  get <remote> <local>              download a file
  put <local> <remote-dir>          upload a file
  rm <path>                         delete a file or directory
  mkdir <path>                      create a directory
  rename <path> <new-name>          rename in place
  run <command...>                  execute a shell command remotely
  server start|stop|restart|status  control the embedded HTTP server
  exit                              quit
`)
}

func (s *shell) connect(ctx context.Context, creds transport.Credentials) {
	info, err := s.gw.Connect(ctx, creds)
	if err != nil {
		fmt.Fprintf(s.out, "connect failed: %s\n", err)
		return
	}
	fmt.Fprintf(s.out, "connected as %s@%s\n", info.User, info.Host)
}

func (s *shell) cmdConnect(ctx context.Context, args []string) error {
	creds, ok := config.CredentialsFromEnv()
	if len(args) > 0 {
		target := args[0]
		if at := strings.Index(target, "@"); at >= 0 {
			creds.User, target = target[:at], target[at+1:]
		}
		if colon := strings.LastIndex(target, ":"); colon >= 0 {
			port, err := strconv.Atoi(target[colon+1:])
			if err != nil {
				return fmt.Errorf("bad port in %q", args[0])
			}
			creds.Port, target = port, target[:colon]
		}
		creds.Host = target
		ok = true
	}
	if !ok || creds.Host == "" {
		return fmt.Errorf("no host: pass user@host or set VPSDECK_SSH_HOST")
	}
	if creds.Secret == "" {
		return fmt.Errorf("no secret: set VPSDECK_SSH_SECRET")
	}
	s.connect(ctx, creds)
	return nil
}

func (s *shell) cmdList(ctx context.Context, args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}
	entries, err := s.gw.ListDirectory(ctx, path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		marker := ""
		if e.Kind == files.KindDir {
			marker = "/"
		}
		fmt.Fprintf(s.out, "%10d  %s  %s%s\n", e.Size, e.ModifiedAt.Format("2006-01-02 15:04"), e.Name, marker)
	}
	return nil
}

func (s *shell) cmdCat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cat <path>")
	}
	data, err := s.gw.ReadFile(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = s.out.Write(data)
	return err
}

func (s *shell) cmdGet(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <remote> <local>")
	}
	rc, _, err := s.gw.DownloadFile(ctx, args[0])
	if err != nil {
		return err
	}
	defer rc.Close()

	dst, err := os.Create(args[1])
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, rc)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "wrote %d bytes to %s\n", n, args[1])
	return nil
}

func (s *shell) cmdPut(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: put <local> <remote-dir>")
	}
	src, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	target, n, err := s.gw.UploadFile(ctx, args[1], filepath.Base(args[0]), src)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "wrote %d bytes to %s\n", n, target)
	return nil
}

func (s *shell) cmdRename(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: rename <path> <new-name>")
	}
	target, err := s.gw.Rename(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "renamed to %s\n", target)
	return nil
}

func (s *shell) cmdRun(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: run <command...>")
	}
	code, err := s.gw.StreamCommand(ctx, strings.Join(args, " "), 0, s.out)
	if err != nil {
		return err
	}
	if code != 0 {
		fmt.Fprintf(s.out, "exit status %d\n", code)
	}
	return nil
}

func (s *shell) cmdServer(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: server start|stop|restart|status")
	}
	var (
		st  supervisor.Status
		err error
	)
	switch args[0] {
	case "start":
		st, err = s.gw.StartServer(ctx)
	case "stop":
		st, err = s.gw.StopServer(ctx)
	case "restart":
		st, err = s.gw.RestartServer(ctx)
	case "status":
		st = s.gw.ServerStatus()
	default:
		return fmt.Errorf("usage: server start|stop|restart|status")
	}
	if err != nil {
		return err
	}
	if st.URL != "" {
		fmt.Fprintf(s.out, "%s  pid=%d  %s\n", st.State, st.PID, st.URL)
	} else {
		fmt.Fprintf(s.out, "%s\n", st.State)
	}
	return nil
}

// one runs a single-path gateway operation like rm or mkdir.
func (s *shell) one(ctx context.Context, args []string, name string, op func(context.Context, string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <path>", name)
	}
	return op(ctx, args[0])
}
