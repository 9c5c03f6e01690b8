package service

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	keyListen  = "listen"
	keyRPCHost = "rpc.host"
	keyRPCPort = "rpc.port"
)

// NewViper binds the listen override sources: the --listen flag when flags
// defines it, and STELLAR_RPC_HOST / STELLAR_RPC_PORT.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindEnv(keyRPCHost, "STELLAR_RPC_HOST"); err != nil {
		return nil, err
	}
	if err := v.BindEnv(keyRPCPort, "STELLAR_RPC_PORT"); err != nil {
		return nil, err
	}
	if flags != nil {
		if f := flags.Lookup(keyListen); f != nil {
			if err := v.BindPFlag(keyListen, f); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// Listen resolves the address to listen on. An explicitly set --listen wins,
// then the host and port variables, each replacing its half of configured.
func Listen(v *viper.Viper, configured string) (string, error) {
	if v.IsSet(keyListen) {
		if listen := v.GetString(keyListen); listen != "" {
			return listen, nil
		}
	}

	host, port, err := net.SplitHostPort(configured)
	if err != nil {
		return "", fmt.Errorf("parsing service.listen %q: %w", configured, err)
	}
	if h := v.GetString(keyRPCHost); h != "" {
		host = h
	}
	if p := v.GetString(keyRPCPort); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return "", fmt.Errorf("invalid STELLAR_RPC_PORT %q", p)
		}
		port = p
	}
	return net.JoinHostPort(host, port), nil
}
