package kubernetes

import "time"

// K8sConfig configures lease-based leader election for controller replicas.
type K8sConfig struct {
	Namespace    string `json:"namespace" yaml:"namespace"`
	LeaderLockID string `json:"leaderLockId" yaml:"leader_lock_id"`
	Identity     string `json:"identity" yaml:"identity"`
	// KubeConfig is used when not running inside a cluster.
	KubeConfig string `json:"kubeConfig,omitempty" yaml:"kube_config"`

	LeaseDuration time.Duration `json:"leaseDuration,omitempty" yaml:"lease_duration"`
	RenewDeadline time.Duration `json:"renewDeadline,omitempty" yaml:"renew_deadline"`
	RetryPeriod   time.Duration `json:"retryPeriod,omitempty" yaml:"retry_period"`
}

func (c *K8sConfig) withDefaults() K8sConfig {
	out := *c
	if out.LeaseDuration == 0 {
		out.LeaseDuration = 15 * time.Second
	}
	if out.RenewDeadline == 0 {
		out.RenewDeadline = 10 * time.Second
	}
	if out.RetryPeriod == 0 {
		out.RetryPeriod = 2 * time.Second
	}
	return out
}
