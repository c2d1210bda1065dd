// Package leader decides which replica drives scheduling. Multiple
// replicas race for a lease in the coordination service; listeners are
// told when this process starts or stops leading.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// LeaseListener allows clients to listen for leadership transitions.
// Callbacks are delivered sequentially from a single goroutine.
type LeaseListener interface {
	// Called when this process has started leading.
	OnStartedLeading(ctx context.Context)
	// Called when this process has stopped leading.
	OnStoppedLeading()
}

// Report describes the current leader as seen by the coordination service.
type Report struct {
	IsCurrentProcessLeader bool
	LeaderName             string
}

// Controller is implemented by structs that decide who is leader.
type Controller interface {
	RegisterListener(listener LeaseListener)
	// Run starts the controller. Blocks until the context is cancelled.
	Run(ctx context.Context) error
	// GetLeaderReport reads the current leader identity from the
	// coordination service. Failure to reach the service here is fatal.
	GetLeaderReport() Report
}

// Config for the lease-based controller.
type Config struct {
	// InstanceName identifies this replica in the lease.
	InstanceName string
	// LockName and LockNamespace locate the lease object.
	LockName      string
	LockNamespace string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// StandaloneController treats this process as permanent leader. Used when
// only a single replica runs, and in tests.
type StandaloneController struct {
	listeners []LeaseListener
	name      string
}

func NewStandaloneController() *StandaloneController {
	return &StandaloneController{name: "standalone-" + uuid.NewString()}
}

func (c *StandaloneController) RegisterListener(listener LeaseListener) {
	c.listeners = append(c.listeners, listener)
}

func (c *StandaloneController) Run(ctx context.Context) error {
	for _, l := range c.listeners {
		l.OnStartedLeading(ctx)
	}
	<-ctx.Done()
	for _, l := range c.listeners {
		l.OnStoppedLeading()
	}
	return ctx.Err()
}

func (c *StandaloneController) GetLeaderReport() Report {
	return Report{IsCurrentProcessLeader: true, LeaderName: c.name}
}

// KubernetesController elects a leader through a lease lock in the
// coordination service, so multiple replicas can run for high
// availability. Losing the lease delivers OnStoppedLeading; the controller
// then re-enters the election so the replica can lead again later.
type KubernetesController struct {
	client    kubernetes.Interface
	config    Config
	listeners []LeaseListener

	currentLeaderLock sync.Mutex
	currentLeader     string
}

func NewKubernetesController(config Config, client kubernetes.Interface) *KubernetesController {
	return &KubernetesController{
		client: client,
		config: config,
	}
}

func (c *KubernetesController) RegisterListener(listener LeaseListener) {
	c.listeners = append(c.listeners, listener)
}

func (c *KubernetesController) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Infof("attempting to become leader as %s", c.config.InstanceName)
			leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
				Lock:            c.newLock(),
				ReleaseOnCancel: true,
				LeaseDuration:   c.config.LeaseDuration,
				RenewDeadline:   c.config.RenewDeadline,
				RetryPeriod:     c.config.RetryPeriod,
				Callbacks: leaderelection.LeaderCallbacks{
					OnStartedLeading: func(leaderCtx context.Context) {
						log.Info("this replica is now leader")
						for _, listener := range c.listeners {
							listener.OnStartedLeading(leaderCtx)
						}
					},
					OnStoppedLeading: func() {
						log.Warn("this replica is no longer leader")
						for _, listener := range c.listeners {
							listener.OnStoppedLeading()
						}
					},
					OnNewLeader: func(identity string) {
						c.currentLeaderLock.Lock()
						defer c.currentLeaderLock.Unlock()
						c.currentLeader = identity
					},
				},
			})
			log.Info("leader election round finished")
		}
	}
}

// GetLeaderReport reads the lease from the coordination service. An I/O
// failure here leaves us unable to say who may write; that is treated as
// unrecoverable.
func (c *KubernetesController) GetLeaderReport() Report {
	lease, err := c.client.CoordinationV1().Leases(c.config.LockNamespace).
		Get(context.Background(), c.config.LockName, metav1.GetOptions{})
	if err != nil {
		log.Fatalf("unable to read leader lease %s/%s: %v", c.config.LockNamespace, c.config.LockName, err)
	}
	leaderName := ""
	if lease.Spec.HolderIdentity != nil {
		leaderName = *lease.Spec.HolderIdentity
	}
	return Report{
		IsCurrentProcessLeader: leaderName == c.config.InstanceName,
		LeaderName:             leaderName,
	}
}

func (c *KubernetesController) newLock() *resourcelock.LeaseLock {
	return &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      c.config.LockName,
			Namespace: c.config.LockNamespace,
		},
		Client: c.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: c.config.InstanceName,
		},
	}
}
