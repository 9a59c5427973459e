package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
	"github.com/gestalt-engine/gestaltnet/netbus"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/network"
	"github.com/gestalt-engine/gestaltnet/preprotocol"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a server node: preprotocol listener plus UDP network system",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("bind-ip", "::", "IP to bind both listeners on")
	flags.Uint16("tcp-port", preprotocol.DefaultPreprotocolPort, "preprotocol TCP port")
	flags.Uint16("udp-port", preprotocol.DefaultGamePort, "game traffic UDP port")
	for _, name := range []string{"bind-ip", "tcp-port", "udp-port"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	protocolDir := viper.GetString("protocol-dir")
	localIdentity, err := identity.LoadOrGenerate(protocolDir)
	if err != nil {
		return err
	}
	noiseDir, err := keystore.NoiseDir(protocolDir)
	if err != nil {
		return err
	}

	bindIP, err := netip.ParseAddr(viper.GetString("bind-ip"))
	if err != nil {
		return fmt.Errorf("parsing bind ip: %w", err)
	}
	tcpPort := uint16(viper.GetUint("tcp-port"))
	udpPort := uint16(viper.GetUint("udp-port"))

	policy := newKeyPolicy(ctx)
	router := netbus.NewRouter()
	completed := make(chan *preprotocol.SuccessfulConnect, 16)

	state := preprotocol.NewServerState()
	state.SetInfo(json.RawMessage(`{"name":"gestaltnetd demo server"}`))
	state.SetStatus(preprotocol.StatusReady)

	system := network.New(localIdentity, router,
		network.DefaultConfig(netmsg.RoleServer, netip.AddrPortFrom(bindIP, udpPort)), completed)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return preprotocol.ListenAndServe(ctx, preprotocol.ServerConfig{
			ListenAddr:    netip.AddrPortFrom(bindIP, tcpPort).String(),
			NoiseDir:      noiseDir,
			LocalIdentity: localIdentity,
			Policy:        policy,
			State:         state,
			Completed:     completed,
		})
	})
	group.Go(func() error {
		return system.Run(ctx)
	})
	// Answer every chat message to its sender with an "ack: " reply.
	router.AddDomain(chatMsgID)
	chat, err := router.SubscribeInbound(chatMsgID)
	if err != nil {
		return err
	}
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case batch := <-chat:
				for _, msg := range batch {
					var body chatMsg
					if err := json.Unmarshal(msg.Payload, &body); err != nil {
						logrus.WithError(err).Warn("Undecodable chat message")
						continue
					}
					logrus.WithFields(logrus.Fields{
						"peer":    msg.PeerIdentity.ToBase64(),
						"message": body.Message,
					}).Info("Chat received")
					reply, err := chatPacket("ack: " + body.Message)
					if err != nil {
						return err
					}
					if err := router.SendToPeer(msg.PeerIdentity, reply); err != nil {
						logrus.WithError(err).Warn("Could not echo chat message")
					}
				}
			}
		}
	})

	logrus.WithField("identity", localIdentity.Public.ToBase64()).Info("Server node running")
	return group.Wait()
}
