package pscheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/common/util"
	"github.com/maestroproject/maestro/internal/configuration"
)

// LeaderController decides which process runs the reconciliation sweep.
type LeaderController interface {
	// GetToken returns a LeaderToken which allows you to determine if you are leader or not
	GetToken() LeaderToken
	// ValidateToken allows a caller to determine whether a previously obtained token is still valid.
	// Returns true if the token is a leader token and this process still leads.
	ValidateToken(tok LeaderToken) bool
	// Run starts the controller. This is a blocking call which will return when the provided context is cancelled
	Run(ctx context.Context) error
}

// LeaderToken is a token handed out to reconcilers which they can use to determine if they are leader
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

// InvalidLeaderToken returns a LeaderToken indicating this instance is not leader.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{
		leader: false,
		id:     uuid.New(),
	}
}

// NewLeaderToken returns a LeaderToken indicating this instance is the leader.
func NewLeaderToken() LeaderToken {
	return LeaderToken{
		leader: true,
		id:     uuid.New(),
	}
}

// StandaloneLeaderController returns a token that always indicates you are leader.
// This can be used when only a single instance of the reconciler is needed.
type StandaloneLeaderController struct {
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{
		token: NewLeaderToken(),
	}
}

func (lc *StandaloneLeaderController) GetToken() LeaderToken {
	return lc.token
}

func (lc *StandaloneLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.id == tok.id
	}
	return false
}

func (lc *StandaloneLeaderController) Run(ctx context.Context) error {
	return nil
}

// extendLeaderLeaseScript extends the lease only when this process still owns it.
var extendLeaderLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

// RedisLeaderController elects a leader through an expiring redis key.
// This allows multiple instances of the reconciler to be run for high availability.
type RedisLeaderController struct {
	db       redis.UniversalClient
	key      string
	lease    time.Duration
	instance string
	token    atomic.Value
	clock    util.Clock
}

func NewRedisLeaderController(db redis.UniversalClient, config configuration.ReconcilerConfig) *RedisLeaderController {
	controller := &RedisLeaderController{
		db:       db,
		key:      config.LeaderKey,
		lease:    config.LeaderLeaseDuration,
		instance: uuid.NewString(),
		clock:    &util.DefaultClock{},
	}
	controller.token.Store(InvalidLeaderToken())
	return controller
}

func (lc *RedisLeaderController) GetToken() LeaderToken {
	return lc.token.Load().(LeaderToken)
}

func (lc *RedisLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.Load().(LeaderToken).id == tok.id
	}
	return false
}

// Run tries to take or extend the leader lease every third of its duration.
// Leadership is lost silently when the key expires on another instance's watch.
func (lc *RedisLeaderController) Run(ctx context.Context) error {
	interval := lc.lease / 3
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		leading, err := lc.tryAcquireOrExtend(ctx)
		if err != nil {
			log.WithError(err).Error("leader lease attempt failed")
			lc.becomeFollower()
		} else if leading {
			lc.becomeLeader()
		} else {
			lc.becomeFollower()
		}
		lc.clock.Sleep(interval)
	}
}

func (lc *RedisLeaderController) tryAcquireOrExtend(ctx context.Context) (bool, error) {
	acquired, err := lc.db.SetNX(ctx, lc.key, lc.instance, lc.lease).Result()
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}
	extended, err := extendLeaderLeaseScript.Run(
		ctx, lc.db, []string{lc.key}, lc.instance, lc.lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

func (lc *RedisLeaderController) becomeLeader() {
	if !lc.GetToken().leader {
		log.WithField("instance", lc.instance).Info("became leader")
		lc.token.Store(NewLeaderToken())
	}
}

func (lc *RedisLeaderController) becomeFollower() {
	if lc.GetToken().leader {
		log.WithField("instance", lc.instance).Warn("lost leadership")
		lc.token.Store(InvalidLeaderToken())
	}
}
