// Package ipcbackend implements an alternate Backend that runs the
// trusted side as a separate OS process reachable over a Unix-domain
// socket, instead of the simulator's in-process dlopen call. It exists to
// exercise the backend trait a second, structurally different way: entry
// is a real IPC round trip rather than a plain function call, though
// still with no actual confidentiality or integrity guarantee (the
// process boundary is an isolation mechanism for bugs, not an adversary).
package ipcbackend

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/enclavecore/primitives/backend"
	"github.com/enclavecore/primitives/diag"
	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/enclave"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

// Backend spawns the trusted image named by a LoadConfig's Path as a
// child process and speaks the Trusted gRPC service to it over a
// Unix-domain socket.
type Backend struct {
	// SigningKey authenticates the load-token handshake; both sides must
	// share it out of band (the untrusted side signs, the trusted-side
	// Server verifies).
	SigningKey []byte
	// SocketDir overrides the directory control sockets are created in;
	// defaults to os.TempDir().
	SocketDir string
	// SpawnTimeout bounds how long Load waits for the trusted image's
	// socket to become dialable. Defaults to 5s.
	SpawnTimeout time.Duration
	// TraceCapacity sizes the diag.Trace attached to every Client this
	// Backend loads. Zero disables tracing.
	TraceCapacity int
	// LeaksOnAbort reports what LeaksMemoryOnAbort returns.
	LeaksOnAbort bool
}

// Load spawns cfg.Path as a subprocess, waits for it to open its control
// socket, dials a gRPC connection to that socket, and performs the signed
// load-token handshake over it.
func (b *Backend) Load(ctx context.Context, cfg backend.LoadConfig) (*enclave.Client, error) {
	log := elog.New("ipcbackend")

	sockPath := socketPath(b.socketDir(), cfg.Path)
	_ = os.Remove(sockPath)

	cmd := exec.CommandContext(ctx, cfg.Path, "--socket", sockPath)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	go forwardLog(log.WithField("path", cfg.Path), stderr)

	if err := waitForSocket(ctx, sockPath, b.spawnTimeout()); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	conn, err := grpc.NewClient("unix:"+sockPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: dial: %v", backend.ErrNotFound, err)
	}

	token, err := signLoadToken(cfg.Path, b.SigningKey, b.spawnTimeout())
	if err != nil {
		_ = conn.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("ipcbackend: signing load token: %w", err)
	}

	hsReply := new(handshakeResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Handshake", &handshakeRequest{Token: token}, hsReply); err != nil {
		_ = conn.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: %v", backend.ErrInitFailed, err)
	}
	if !hsReply.OK {
		_ = conn.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, hsReply.Message)
	}

	log.WithField("path", cfg.Path).WithField("socket", sockPath).Info("ipc trusted image handshake complete")

	var trace *diag.Trace
	if b.TraceCapacity > 0 {
		trace = diag.NewTrace(b.TraceCapacity)
	}

	ent := &enterer{conn: conn}
	clo := &closer{conn: conn, cmd: cmd, sockPath: sockPath}
	return enclave.NewClient(ent, clo, cfg.Table, trace, b.LeaksMemoryOnAbort()), nil
}

// LeaksMemoryOnAbort reports the backend-declared abort-leak behavior.
func (b *Backend) LeaksMemoryOnAbort() bool {
	return b.LeaksOnAbort
}

func (b *Backend) socketDir() string {
	if b.SocketDir != "" {
		return b.SocketDir
	}
	return os.TempDir()
}

func (b *Backend) spawnTimeout() time.Duration {
	if b.SpawnTimeout > 0 {
		return b.SpawnTimeout
	}
	return 5 * time.Second
}

// socketPath derives a short, collision-resistant Unix socket path from
// the trusted image path, since UDS paths are limited to ~104 bytes on
// most platforms and an arbitrary trusted-image path may not fit.
func socketPath(dir, imagePath string) string {
	sum := sha256.Sum256([]byte(imagePath))
	return filepath.Join(dir, "enclaveprim-"+hex.EncodeToString(sum[:8])+".sock")
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDialTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

type enterer struct {
	mu   sync.Mutex
	conn *grpc.ClientConn
}

func (e *enterer) Enter(ctx context.Context, sel selector.Selector, params *paramstack.Stack) pstatus.Status {
	req := &entryRequest{Selector: uint64(sel), Frames: params.Frames()}
	reply := new(entryResponse)

	e.mu.Lock()
	err := e.conn.Invoke(ctx, "/"+serviceName+"/Entry", req, reply)
	e.mu.Unlock()

	if err != nil {
		return pstatus.New(pstatus.KindInternal, "ipcbackend: entry rpc failed: %v", err)
	}
	params.ReplaceFrames(reply.Frames)
	return pstatus.Status{Code: reply.Code, Message: reply.Message}
}

type closer struct {
	conn     *grpc.ClientConn
	cmd      *exec.Cmd
	sockPath string
}

func (c *closer) Close() error {
	connErr := c.conn.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	_ = os.Remove(c.sockPath)
	return connErr
}

// forwardLog relays the trusted subprocess's stderr into this process's
// structured logs, one line per entry, mirroring task_service.go's
// pipe-based log forwarding from the cgo task-service subprocess.
func forwardLog(log *logrus.Entry, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}
}
