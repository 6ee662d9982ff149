package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hydrascope/dcrfgate/internal/apps"
	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	"github.com/hydrascope/dcrfgate/internal/server/usermanager"
)

const (
	defaultPath               = "/ws/dcrf/"
	defaultCloseTimeout       = 5 * time.Second
	defaultPrincipalCacheSize = 1024
)

type rawConfig struct {
	BindAddr           []string
	Path               string
	Streams            []string
	RequireAuth        bool
	SecretKey          string
	DatabasePath       string
	CloseTimeout       int
	LingerPolicy       string
	AllowedHosts       [][]string
	InboundRate        int64
	OutboundRate       int64
	PrincipalCacheSize int
	AdminAPI           bool
	AdminToken         string
}

// State type stores the global state of the program
type State struct {
	BindAddr []net.Addr
	Path     string

	WorldState   common.WorldState
	CloseTimeout time.Duration
	LingerPolicy multiplex.LingerPolicy
	InboundRate  int64
	OutboundRate int64

	RequireAuth        bool
	Validator          CredentialValidator
	PrincipalCacheSize int
	Manager            usermanager.PrincipalManager

	HostFilter *HostFilter
	AdminAPI   bool
	// AdminToken is the bearer token every admin API request must carry
	AdminToken string

	Panel *connPanel

	// the application serving every websocket connection
	application multiplex.Application
}

func InitState(worldState common.WorldState) (*State, error) {
	ret := &State{
		Path:               defaultPath,
		WorldState:         worldState,
		CloseTimeout:       defaultCloseTimeout,
		PrincipalCacheSize: defaultPrincipalCacheSize,
		Manager:            &usermanager.Voidmanager{},
		HostFilter:         &HostFilter{},
		Panel:              makeConnPanel(worldState),
	}
	return ret, nil
}

func parseBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

func parseStreams(streams []string) (map[string]multiplex.Application, error) {
	if len(streams) == 0 {
		streams = apps.Names()
	}
	applications := make(map[string]multiplex.Application, len(streams))
	for _, name := range streams {
		if name == SetCredentialStream {
			return nil, fmt.Errorf("%v is reserved for setting credentials", name)
		}
		app, err := apps.Lookup(name)
		if err != nil {
			return nil, err
		}
		applications[name] = app
	}
	return applications, nil
}

// ParseConfig parses the config (either a path to json or the json itself as argument) into a State variable
func (sta *State) ParseConfig(conf string) (err error) {
	var preParse rawConfig

	content, errPath := os.ReadFile(conf)
	if errPath != nil {
		content = []byte(conf)
	}
	if errJson := json.Unmarshal(content, &preParse); errJson != nil {
		if errPath != nil {
			return errors.New("Failed to read/unmarshal configuration, path is invalid or " + errJson.Error())
		}
		return errors.New("Failed to read configuration file: " + errJson.Error())
	}

	sta.BindAddr, err = parseBindAddr(preParse.BindAddr)
	if err != nil {
		return fmt.Errorf("unable to parse BindAddr: %v", err)
	}

	if preParse.Path != "" {
		sta.Path = preParse.Path
	}
	if preParse.CloseTimeout > 0 {
		sta.CloseTimeout = time.Duration(preParse.CloseTimeout) * time.Second
	}
	sta.LingerPolicy, err = multiplex.ParseLingerPolicy(preParse.LingerPolicy)
	if err != nil {
		return err
	}
	sta.InboundRate = preParse.InboundRate
	sta.OutboundRate = preParse.OutboundRate
	if preParse.PrincipalCacheSize > 0 {
		sta.PrincipalCacheSize = preParse.PrincipalCacheSize
	}
	sta.AdminAPI = preParse.AdminAPI
	sta.AdminToken = preParse.AdminToken
	if sta.AdminAPI && sta.AdminToken == "" {
		return errors.New("AdminToken is required when AdminAPI is set")
	}

	sta.HostFilter, err = ParseHostFilter(preParse.AllowedHosts)
	if err != nil {
		return fmt.Errorf("unable to parse AllowedHosts: %v", err)
	}

	if preParse.DatabasePath != "" {
		sta.Manager, err = usermanager.MakeLocalManager(preParse.DatabasePath)
		if err != nil {
			return fmt.Errorf("unable to open principal database: %v", err)
		}
	}

	sta.RequireAuth = preParse.RequireAuth
	if sta.RequireAuth {
		if preParse.SecretKey == "" {
			return errors.New("SecretKey is required when RequireAuth is set")
		}
		sta.Validator = MakeTokenValidator([]byte(preParse.SecretKey), sta.WorldState)
	}

	applications, err := parseStreams(preParse.Streams)
	if err != nil {
		return fmt.Errorf("unable to parse Streams: %v", err)
	}
	return sta.Mount(applications)
}

// Mount builds the application that serves every connection: a demultiplexer over the given
// streams, behind the auth gate if authentication is required
func (sta *State) Mount(applications map[string]multiplex.Application) error {
	demux, err := multiplex.NewDemultiplexer(multiplex.Config{
		Applications: applications,
		CloseTimeout: sta.CloseTimeout,
		LingerPolicy: sta.LingerPolicy,
		InboundRate:  sta.InboundRate,
		OutboundRate: sta.OutboundRate,
	})
	if err != nil {
		return err
	}
	if !sta.RequireAuth {
		sta.application = demux.Application()
		return nil
	}
	if sta.Validator == nil {
		return errors.New("authentication is required but there is no credential validator")
	}
	gate := NewGate(demux.Application(), GateConfig{
		Validator:    sta.Validator,
		Resolver:     ResolverOf(sta.Manager),
		CacheSize:    sta.PrincipalCacheSize,
		WorldState:   sta.WorldState,
		CloseTimeout: sta.CloseTimeout,
		LingerPolicy: sta.LingerPolicy,
	})
	sta.application = gate.Application()
	return nil
}
