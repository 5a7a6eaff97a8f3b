package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexafield/hyperagent/internal/common/config"
	"github.com/hexafield/hyperagent/internal/common/logger"
)

// DockerGateway launches a short-lived container per enqueue. The container
// mounts the repository and the persistence directory read-write and is
// expected to POST the callback exactly once.
type DockerGateway struct {
	cli    *client.Client
	logger *logger.Logger
	cfg    config.RunnerConfig
}

// NewDockerGateway creates a gateway backed by the Docker daemon.
func NewDockerGateway(cfg config.RunnerConfig, log *logger.Logger) (*DockerGateway, error) {
	if log == nil {
		log = logger.Default()
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerGateway{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "runner-gateway")),
		cfg:    cfg,
	}, nil
}

// Ping verifies the Docker daemon is reachable.
func (g *DockerGateway) Ping(ctx context.Context) error {
	_, err := g.cli.Ping(ctx)
	return err
}

// Close closes the Docker client.
func (g *DockerGateway) Close() error {
	return g.cli.Close()
}

// Enqueue launches a sandbox container for the claim. It returns once the
// container has started; a container that dies during launch verification is
// an enqueue failure.
func (g *DockerGateway) Enqueue(ctx context.Context, payload EnqueuePayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(payload.RepositoryPath); err != nil {
		return fmt.Errorf("repository path not accessible: %w", err)
	}

	timeout := g.cfg.EnqueueTimeout
	if timeout <= 0 {
		timeout = 900 * time.Second
	}
	launchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := fmt.Sprintf("wf-runner-%s", uuid.New().String()[:8])
	containerCfg := &container.Config{
		Image: g.cfg.Image,
		Env:   g.buildEnv(payload),
		Labels: map[string]string{
			"hyperagent.workflow_id": payload.WorkflowID,
			"hyperagent.step_id":     payload.StepID,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts:     g.buildMounts(payload),
		AutoRemove: false,
		// host-gateway lets the sandbox reach the callback endpoint on the
		// host's loopback interface.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if g.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(g.cfg.Network)
	}

	created, err := g.cli.ContainerCreate(launchCtx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create runner container: %w", err)
	}

	if err := g.cli.ContainerStart(launchCtx, created.ID, container.StartOptions{}); err != nil {
		g.removeContainer(created.ID)
		return fmt.Errorf("failed to start runner container: %w", err)
	}

	// Verify the launch: a container that exits non-zero immediately never
	// reached the callback and the claim would hang forever.
	inspect, err := g.cli.ContainerInspect(launchCtx, created.ID)
	if err != nil {
		g.removeContainer(created.ID)
		return fmt.Errorf("failed to inspect runner container: %w", err)
	}
	if inspect.State != nil && inspect.State.Status == "exited" && inspect.State.ExitCode != 0 {
		g.removeContainer(created.ID)
		return fmt.Errorf("runner container exited immediately with code %d", inspect.State.ExitCode)
	}

	g.logger.Info("runner sandbox scheduled",
		zap.String("container_id", created.ID),
		zap.String("workflow_id", payload.WorkflowID),
		zap.String("step_id", payload.StepID))

	return nil
}

func (g *DockerGateway) buildEnv(payload EnqueuePayload) []string {
	env := []string{
		EnvWorkflowID + "=" + payload.WorkflowID,
		EnvStepID + "=" + payload.StepID,
		EnvRunnerID + "=" + payload.RunnerInstanceID,
		EnvRepoPath + "=" + payload.RepositoryPath,
		EnvCallbackBaseURL + "=" + payload.Callback.BaseURL,
		EnvCallbackToken + "=" + payload.Callback.Token,
	}
	if payload.PersistencePath != "" {
		env = append(env, EnvDBPath+"="+payload.PersistencePath)
	}
	if g.cfg.AgentProvider != "" {
		env = append(env, EnvAgentProvider+"="+g.cfg.AgentProvider)
	}
	if g.cfg.AgentModel != "" {
		env = append(env, EnvAgentModel+"="+g.cfg.AgentModel)
	}
	if g.cfg.AgentMaxRounds > 0 {
		env = append(env, EnvAgentMaxRounds+"="+strconv.Itoa(g.cfg.AgentMaxRounds))
	}
	if len(payload.ExtraMounts) > 0 {
		if data, err := json.Marshal(payload.ExtraMounts); err == nil {
			env = append(env, EnvRunnerMounts+"="+string(data))
		}
	}
	env = append(env, PassthroughEnv(g.cfg.PassthroughEnv)...)
	env = append(env, payload.ExtraEnv...)
	return env
}

func (g *DockerGateway) buildMounts(payload EnqueuePayload) []mount.Mount {
	// The repository and persistence file keep their host paths inside the
	// sandbox so the WORKFLOW_* path variables resolve unchanged.
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: payload.RepositoryPath,
			Target: payload.RepositoryPath,
		},
	}
	if payload.PersistencePath != "" {
		dir := filepath.Dir(payload.PersistencePath)
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: dir,
			Target: dir,
		})
	}
	for _, m := range payload.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return mounts
}

func (g *DockerGateway) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		g.logger.Warn("failed to remove runner container", zap.String("container_id", id), zap.Error(err))
	}
}
