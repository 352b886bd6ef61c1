// Package registry registers the gateway with Consul and lets clients find
// it again. Everything here is optional: with no Consul address configured
// the gateway simply does not register.
package registry

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

type ConsulRegistry struct {
	client *api.Client
	log    *zap.Logger
}

type ConsulConfig struct {
	Address    string
	Scheme     string
	Datacenter string
}

type HealthCheck struct {
	HTTP                           string
	Interval                       time.Duration
	Timeout                        time.Duration
	DeregisterCriticalServiceAfter time.Duration
}

// NewConsulRegistry connects and checks that a leader is reachable.
func NewConsulRegistry(cfg ConsulConfig, log *zap.Logger) (*ConsulRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	consulCfg := api.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connect consul %s: %w", cfg.Address, err)
	}
	log.Info("consul connected", zap.String("address", cfg.Address))
	return &ConsulRegistry{client: client, log: log}, nil
}

func (r *ConsulRegistry) RegisterService(svc *ServiceConfig) error {
	registration := &api.AgentServiceRegistration{
		ID:      svc.ID,
		Name:    svc.Name,
		Tags:    svc.Tags,
		Address: svc.Address,
		Port:    svc.Port,
	}
	if svc.HealthCheck != nil {
		registration.Check = &api.AgentServiceCheck{
			HTTP:                           svc.HealthCheck.HTTP,
			Interval:                       svc.HealthCheck.Interval.String(),
			Timeout:                        svc.HealthCheck.Timeout.String(),
			DeregisterCriticalServiceAfter: svc.HealthCheck.DeregisterCriticalServiceAfter.String(),
		}
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("register %s: %w", svc.ID, err)
	}
	r.log.Info("service registered", zap.String("name", svc.Name), zap.String("id", svc.ID))
	return nil
}

func (r *ConsulRegistry) DeregisterService(serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("deregister %s: %w", serviceID, err)
	}
	r.log.Info("service deregistered", zap.String("id", serviceID))
	return nil
}

// DiscoverService returns the passing instances of serviceName.
func (r *ConsulRegistry) DiscoverService(serviceName string) ([]*ServiceInstance, error) {
	entries, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serviceName, err)
	}

	instances := make([]*ServiceInstance, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		instances = append(instances, &ServiceInstance{
			ID:      e.Service.ID,
			Name:    e.Service.Service,
			Address: addr,
			Port:    e.Service.Port,
			Tags:    e.Service.Tags,
		})
	}
	return instances, nil
}

// GetLocalIP returns the address of the interface used for outbound traffic.
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

func GenerateServiceID(serviceName, host string, port int) string {
	return fmt.Sprintf("%s-%s-%d", serviceName, host, port)
}
