package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
)

// outputTailLines bounds how much daemon output is carried into stage results.
const outputTailLines = 40

// Builder builds and tags container images from a local build context.
type Builder struct {
	cli        *Client
	contextDir string
}

// NewBuilder returns a Builder rooted at the given build context directory.
func NewBuilder(cli *Client, contextDir string) (*Builder, error) {
	if cli == nil {
		return nil, fmt.Errorf("docker client required")
	}
	if strings.TrimSpace(contextDir) == "" {
		return nil, fmt.Errorf("build context directory required")
	}
	return &Builder{cli: cli, contextDir: contextDir}, nil
}

// Build creates an image tagged with tag using the default Dockerfile and
// returns the tail of the daemon's build output.
func (b *Builder) Build(ctx context.Context, tag string) (string, error) {
	if strings.TrimSpace(tag) == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(b.contextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := b.cli.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	tail, err := drainStream(resp.Body)
	if err != nil {
		return tail, fmt.Errorf("docker image build: %w", err)
	}
	return tail, nil
}

// Pusher pushes tagged images to a registry.
type Pusher struct {
	cli  *Client
	auth string
}

// NewPusher returns a Pusher. Credentials are optional; when supplied they are
// encoded into the X-Registry-Auth header the daemon expects.
func NewPusher(cli *Client, username, password, serverAddress string) (*Pusher, error) {
	if cli == nil {
		return nil, fmt.Errorf("docker client required")
	}
	auth := ""
	if strings.TrimSpace(username) != "" {
		payload, err := json.Marshal(registry.AuthConfig{
			Username:      username,
			Password:      password,
			ServerAddress: serverAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("encode registry auth: %w", err)
		}
		auth = base64.URLEncoding.EncodeToString(payload)
	}
	return &Pusher{cli: cli, auth: auth}, nil
}

// Push uploads the tagged image and returns the tail of the daemon's output.
func (p *Pusher) Push(ctx context.Context, tag string) (string, error) {
	if strings.TrimSpace(tag) == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	body, err := p.cli.inner.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: p.auth})
	if err != nil {
		return "", fmt.Errorf("docker image push: %w", err)
	}
	defer body.Close()
	tail, err := drainStream(body)
	if err != nil {
		return tail, fmt.Errorf("docker image push: %w", err)
	}
	return tail, nil
}

// streamMessage is the daemon's JSON progress framing shared by build and
// push responses.
type streamMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m streamMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if line := strings.TrimSpace(m.Stream); line != "" {
		return line
	}
	if m.Status == "" {
		return ""
	}
	if id := strings.TrimSpace(m.ID); id != "" {
		return id + " " + strings.TrimSpace(m.Status)
	}
	return strings.TrimSpace(m.Status)
}

// drainStream consumes a daemon progress stream, returning the last lines of
// output and the first error the daemon reported.
func drainStream(r io.Reader) (string, error) {
	tail := newTailBuffer(outputTailLines)
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return tail.String(), fmt.Errorf("decode daemon output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return tail.String(), fmt.Errorf("%s", errMsg)
		}
		if line := msg.render(); line != "" {
			tail.Add(line)
		}
	}
	return tail.String(), nil
}

type tailBuffer struct {
	lines []string
	size  int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (b *tailBuffer) Add(line string) {
	if b.size <= 0 || line == "" {
		return
	}
	if len(b.lines) == b.size {
		b.lines = append(b.lines[1:], line)
		return
	}
	b.lines = append(b.lines, line)
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}
