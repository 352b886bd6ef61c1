package registry

import (
	"errors"
	"fmt"
)

// ErrNoInstances is returned when Consul knows no healthy instance.
var ErrNoInstances = errors.New("registry: no healthy instances")

type ServiceConfig struct {
	ID          string
	Name        string
	Tags        []string
	Address     string
	Port        int
	HealthCheck *HealthCheck
}

type ServiceInstance struct {
	ID      string
	Name    string
	Address string
	Port    int
	Tags    []string
}

func (s *ServiceInstance) GetEndpoint() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetURL is the base http URL of the instance.
func (s *ServiceInstance) GetURL() string {
	return "http://" + s.GetEndpoint()
}

// ServiceManager ties one service registration to the process lifetime.
type ServiceManager struct {
	registry      *ConsulRegistry
	serviceConfig *ServiceConfig
}

func NewServiceManager(reg *ConsulRegistry, serviceConfig *ServiceConfig) *ServiceManager {
	return &ServiceManager{registry: reg, serviceConfig: serviceConfig}
}

func (sm *ServiceManager) Start() error {
	if err := sm.registry.RegisterService(sm.serviceConfig); err != nil {
		return fmt.Errorf("start %s: %w", sm.serviceConfig.Name, err)
	}
	return nil
}

func (sm *ServiceManager) Stop() error {
	return sm.registry.DeregisterService(sm.serviceConfig.ID)
}

// Resolve returns the base URL of the first healthy instance of name.
func (r *ConsulRegistry) Resolve(name string) (string, error) {
	instances, err := r.DiscoverService(name)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstances, name)
	}
	return instances[0].GetURL(), nil
}
