package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

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

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a server, send one chat message, print the reply",
	RunE:  runConnect,
}

func init() {
	flags := connectCmd.Flags()
	flags.String("server-ip", "::1", "server IP")
	flags.Uint16("server-tcp-port", preprotocol.DefaultPreprotocolPort, "server preprotocol TCP port")
	flags.Uint16("server-udp-port", preprotocol.DefaultGamePort, "server game traffic UDP port")
	flags.String("message", "Boop!", "chat message to send")
	for _, name := range []string{"server-ip", "server-tcp-port", "server-udp-port", "message"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
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

	serverIP, err := netip.ParseAddr(viper.GetString("server-ip"))
	if err != nil {
		return fmt.Errorf("parsing server ip: %w", err)
	}
	serverTCP := netip.AddrPortFrom(serverIP, uint16(viper.GetUint("server-tcp-port")))
	serverUDP := netip.AddrPortFrom(serverIP, uint16(viper.GetUint("server-udp-port")))

	policy := newKeyPolicy(ctx)
	router := netbus.NewRouter()
	completed := make(chan *preprotocol.SuccessfulConnect, 1)

	system := network.New(localIdentity, router,
		network.DefaultConfig(netmsg.RoleClient, serverUDP), completed)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return system.Run(ctx) })

	connect, err := preprotocol.ConnectToServer(ctx, preprotocol.ClientConfig{
		ServerTCPAddr: serverTCP.String(),
		ServerUDPAddr: serverUDP,
		NoiseDir:      noiseDir,
		LocalIdentity: localIdentity,
		Policy:        policy,
	})
	if err != nil {
		stop()
		_ = group.Wait()
		return err
	}
	serverIdentity := connect.PeerIdentity
	router.AddDomain(chatMsgID)
	chat, err := router.SubscribeInbound(chatMsgID)
	if err != nil {
		stop()
		_ = group.Wait()
		return err
	}
	connected := router.SubscribeConnected()
	completed <- connect

	group.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-connected:
		}

		packet, err := chatPacket(viper.GetString("message"))
		if err != nil {
			return err
		}
		if err := router.SendToPeer(serverIdentity, packet); err != nil {
			return err
		}
		logrus.Info("Chat message sent, waiting for reply")

		select {
		case <-ctx.Done():
			return nil
		case batch := <-chat:
			for _, msg := range batch {
				var body chatMsg
				if err := json.Unmarshal(msg.Payload, &body); err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{
					"peer":    msg.PeerIdentity.ToBase64(),
					"message": body.Message,
				}).Info("Reply received")
			}
		case <-time.After(10 * time.Second):
			logrus.Warn("No reply within 10 seconds")
		}
		stop()
		return nil
	})

	return group.Wait()
}
