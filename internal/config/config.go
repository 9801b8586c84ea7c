package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rqlite/rqlite/v8/random"
)

const (
	ClusterBackendMemory = "memory"
	ClusterBackendRedis  = "redis"
	ClusterBackendRaft   = "raft"

	PersistenceBackendMemory = "memory"
	PersistenceBackendBolt   = "bolt"
)

type Config struct {
	// Server configures the public REST server.
	Server Server `yaml:"server" json:"server"`
	// Name is used for OTEL as an application identifier.
	Name        string      `yaml:"name" json:"name" env:"NAME" env-default:"zenworkflow"`
	Tracing     Tracing     `yaml:"tracing" json:"tracing"`
	Cluster     Cluster     `yaml:"cluster" json:"cluster"`
	Persistence Persistence `yaml:"persistence" json:"persistence"`
	Engine      Engine      `yaml:"engine" json:"engine"`
	Webhooks    Webhooks    `yaml:"webhooks" json:"webhooks"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4318"`
	Name     string `yaml:"name" json:"name" env:"OTEL_SERVICE_NAME"`
	// TransferHeaders are request headers copied onto the request span and context.
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"OTEL_TRANSFER_HEADERS" env-separator:"," env-default:"X-Correlation-Id"`
}

type Cluster struct {
	NodeId string `yaml:"nodeId" json:"nodeId" env:"CLUSTER_NODE_ID"`
	// ApiAddr is the address other nodes reach this node's REST server on.
	ApiAddr string `yaml:"apiAddr" json:"apiAddr" env:"CLUSTER_API_ADDR"`
	Backend string `yaml:"backend" json:"backend" env:"CLUSTER_BACKEND" env-default:"memory"`

	HeartbeatInterval TTL `yaml:"heartbeatInterval" json:"heartbeatInterval" env:"CLUSTER_HEARTBEAT_INTERVAL" env-default:"2s"`
	NodeTTL           TTL `yaml:"nodeTTL" json:"nodeTTL" env:"CLUSTER_NODE_TTL" env-default:"10s"`
	LeaderTTL         TTL `yaml:"leaderTTL" json:"leaderTTL" env:"CLUSTER_LEADER_TTL" env-default:"10s"`
	RenewInterval     TTL `yaml:"renewInterval" json:"renewInterval" env:"CLUSTER_RENEW_INTERVAL" env-default:"3s"`
	LockTTL           TTL `yaml:"lockTTL" json:"lockTTL" env:"CLUSTER_LOCK_TTL" env-default:"30s"`
	EvictionInterval  TTL `yaml:"evictionInterval" json:"evictionInterval" env:"CLUSTER_EVICTION_INTERVAL" env-default:"5s"`

	Redis Redis `yaml:"redis" json:"redis"`
	Raft  Raft  `yaml:"raft" json:"raft"`
}

type Redis struct {
	Addr     string `yaml:"addr" json:"addr" env:"CLUSTER_REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" json:"password" env:"CLUSTER_REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"CLUSTER_REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" json:"prefix" env:"CLUSTER_REDIS_PREFIX" env-default:"zenworkflow:"`
}

type Raft struct {
	Addr string `yaml:"addr" json:"addr" env:"CLUSTER_RAFT_ADDR" env-default:":8090"`
	Dir  string `yaml:"dir" json:"dir" env:"CLUSTER_RAFT_DIR"`
	// Bootstrap makes this node bootstrap the raft cluster from Peers.
	Bootstrap bool       `yaml:"bootstrap" json:"bootstrap" env:"CLUSTER_RAFT_BOOTSTRAP"`
	Peers     []RaftPeer `yaml:"peers" json:"peers"`
}

type RaftPeer struct {
	Id       string `yaml:"id" json:"id"`
	RaftAddr string `yaml:"raftAddr" json:"raftAddr"`
	ApiAddr  string `yaml:"apiAddr" json:"apiAddr"`
}

type Persistence struct {
	Backend   string `yaml:"backend" json:"backend" env:"PERSISTENCE_BACKEND" env-default:"memory"`
	BoltPath  string `yaml:"boltPath" json:"boltPath" env:"PERSISTENCE_BOLT_PATH"`
	CacheSize int    `yaml:"cacheSize" json:"cacheSize" env:"PERSISTENCE_CACHE_SIZE" env-default:"256"`
	CacheTTL  TTL    `yaml:"cacheTTL" json:"cacheTTL" env:"PERSISTENCE_CACHE_TTL" env-default:"30m"`
}

type Engine struct {
	DueWaitPollInterval TTL `yaml:"dueWaitPollInterval" json:"dueWaitPollInterval" env:"ENGINE_DUE_WAIT_POLL_INTERVAL" env-default:"1s"`
	MaxNodeVisits       int `yaml:"maxNodeVisits" json:"maxNodeVisits" env:"ENGINE_MAX_NODE_VISITS" env-default:"100"`
	SweepConcurrency    int `yaml:"sweepConcurrency" json:"sweepConcurrency" env:"ENGINE_SWEEP_CONCURRENCY" env-default:"8"`
	SweepBatchSize      int `yaml:"sweepBatchSize" json:"sweepBatchSize" env:"ENGINE_SWEEP_BATCH_SIZE" env-default:"500"`
	ScriptVmPoolMin     int `yaml:"scriptVmPoolMin" json:"scriptVmPoolMin" env:"ENGINE_SCRIPT_VM_POOL_MIN" env-default:"1"`
	ScriptVmPoolMax     int `yaml:"scriptVmPoolMax" json:"scriptVmPoolMax" env:"ENGINE_SCRIPT_VM_POOL_MAX" env-default:"8"`
	// RulesFile is a YAML list of rule sets loaded for business rule tasks.
	RulesFile string `yaml:"rulesFile" json:"rulesFile" env:"ENGINE_RULES_FILE"`
}

type Webhooks struct {
	Urls        []string `yaml:"urls" json:"urls" env:"WEBHOOK_URLS" env-separator:","`
	Buffer      int      `yaml:"buffer" json:"buffer" env:"WEBHOOK_BUFFER" env-default:"1024"`
	Workers     int      `yaml:"workers" json:"workers" env:"WEBHOOK_WORKERS" env-default:"4"`
	MaxAttempts uint     `yaml:"maxAttempts" json:"maxAttempts" env:"WEBHOOK_MAX_ATTEMPTS" env-default:"5"`
}

func (c Config) defaults() Config {
	if c.Cluster.NodeId == "" {
		c.Cluster.NodeId = random.String()
	}
	if c.Cluster.ApiAddr == "" {
		c.Cluster.ApiAddr = c.Server.Addr
	}
	if c.Cluster.Raft.Dir == "" {
		c.Cluster.Raft.Dir = filepath.Join("zenworkflow_raft", c.Cluster.NodeId)
	}
	if c.Persistence.BoltPath == "" {
		c.Persistence.BoltPath = "zenworkflow.db"
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

// Validate rejects combinations the node cannot start with.
func (c Config) Validate() error {
	switch c.Cluster.Backend {
	case ClusterBackendMemory, ClusterBackendRedis, ClusterBackendRaft:
	default:
		return fmt.Errorf("unknown cluster backend %q", c.Cluster.Backend)
	}
	switch c.Persistence.Backend {
	case PersistenceBackendMemory, PersistenceBackendBolt:
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence.Backend)
	}
	if c.Cluster.RenewInterval >= c.Cluster.LeaderTTL {
		return fmt.Errorf("cluster renew interval %s must be shorter than the leader TTL %s", c.Cluster.RenewInterval, c.Cluster.LeaderTTL)
	}
	if c.Cluster.HeartbeatInterval >= c.Cluster.NodeTTL {
		return fmt.Errorf("cluster heartbeat interval %s must be shorter than the node TTL %s", c.Cluster.HeartbeatInterval, c.Cluster.NodeTTL)
	}
	if c.Engine.ScriptVmPoolMin > c.Engine.ScriptVmPoolMax {
		return fmt.Errorf("script VM pool min %d exceeds max %d", c.Engine.ScriptVmPoolMin, c.Engine.ScriptVmPoolMax)
	}
	return nil
}

// Load reads the configuration from fileName when it exists and from the
// environment otherwise.
func Load(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return Config{}, err
	}
	c = c.defaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func InitConfig() Config {
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	}
	c, err := Load(fileName)
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
