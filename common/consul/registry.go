package consul

import (
	"fmt"
	"net"
	"os"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
)

const (
	// NetworkEnvironmentVariable may hold a CIDR selecting the local address that is advertised when several
	// non-loopback addresses exist.
	NetworkEnvironmentVariable = "FLEET_ADVERTISE_NETWORK"

	DefaultCheckInterval = "30s"
	DefaultCheckTimeout  = "5s"
)

// Client registers the services of the fleet controller with a Consul agent.
type Client struct {
	*consul.Client

	logger logger.Logger
}

// NewClient returns a new Client connected to the Consul agent at addr.
func NewClient(addr string) (*Client, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cli := &Client{Client: c}
	config.InitLogger(&cli.logger, "Consul ")

	return cli, nil
}

// Registration builds the registration of a service served over HTTP at ip:port. If checkPath is not empty, Consul
// checks the health of the service with HTTP GET requests to that path.
func Registration(name string, id string, ip string, port int, checkPath string) *consul.AgentServiceRegistration {
	reg := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Port:    port,
		Address: ip,
		Tags:    []string{"fleet-scheduler"},
	}

	if checkPath != "" {
		reg.Check = &consul.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s%s", net.JoinHostPort(ip, fmt.Sprint(port)), checkPath),
			Method:   "GET",
			Interval: DefaultCheckInterval,
			Timeout:  DefaultCheckTimeout,
		}
	}

	return reg
}

// Register registers a service with the agent. If ip is empty, a local address is advertised.
func (c *Client) Register(name string, id string, ip string, port int, checkPath string) error {
	if ip == "" || ip == "0.0.0.0" {
		var err error
		ip, err = LocalIP(os.Getenv(NetworkEnvironmentVariable))
		if err != nil {
			return err
		}
	}

	c.logger.Info("Trying to register service [ name: %s, id: %s, address: %s:%d ]", name, id, ip, port)
	return c.Agent().ServiceRegister(Registration(name, id, ip, port, checkPath))
}

// Deregister removes the service from the agent.
func (c *Client) Deregister(id string) error {
	c.logger.Info("Deregistering service \"%s\"", id)
	return c.Agent().ServiceDeregister(id)
}

// LocalIP returns the first non-loopback IPv4 address of the host, preferring one within the given CIDR if it is
// valid.
func LocalIP(cidr string) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	var ips []net.IP
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP)
		}
	}

	return selectIP(ips, cidr)
}

func selectIP(ips []net.IP, cidr string) (string, error) {
	if len(ips) == 0 {
		return "", fmt.Errorf("registry: can not find local ip")
	}

	if _, network, err := net.ParseCIDR(cidr); err == nil {
		for _, ip := range ips {
			if network.Contains(ip) {
				return ip.String(), nil
			}
		}
	}

	return ips[0].String(), nil
}
