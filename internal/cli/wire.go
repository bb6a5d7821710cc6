package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/wire"
)

func init() {
	encodeCmd.Flags().StringVar(&encodeSender, "sender", "", "sender peer ID (default: a random one)")
	encodeCmd.Flags().StringVar(&encodePayload, "payload", "", "payload as hex")
	rootCmd.AddCommand(encodeCmd, decodeCmd)
}

var (
	encodeSender  string
	encodePayload string
)

var encodeCmd = &cobra.Command{
	Use:   "encode TYPE",
	Short: "Encode a peer message frame as hex",
	Long: `Encode a peer message frame as hex.
TYPE is one of connection_request, connection_accept, connection_reject,
disconnect or boop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEncode(cmd.OutOrStdout(), args[0], encodeSender, encodePayload)
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode HEX",
	Short: "Decode a hex peer message frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecode(cmd.OutOrStdout(), args[0])
	},
}

func runEncode(out io.Writer, typ, sender, payloadHex string) error {
	t, err := wire.ParseMessageType(typ)
	if err != nil {
		return err
	}
	id := domain.NewPeerID()
	if sender != "" {
		if id, err = domain.ParsePeerID(sender); err != nil {
			return err
		}
	}
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	frame, err := wire.Encode(wire.Message{SenderID: id, Type: t, Payload: payload})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(frame))
	return nil
}

func runDecode(out io.Writer, s string) error {
	s = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(s), " ", ""), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	m, err := wire.Decode(b)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sender:  %s\n", m.SenderID)
	fmt.Fprintf(out, "type:    %s\n", m.Type)
	fmt.Fprintf(out, "payload: %d bytes", len(m.Payload))
	if len(m.Payload) > 0 {
		fmt.Fprintf(out, " %s", hex.EncodeToString(m.Payload))
	}
	fmt.Fprintln(out)
	if extra := len(b) - m.EncodedLen(); extra > 0 {
		fmt.Fprintf(out, "ignored: %d trailing bytes\n", extra)
	}
	return nil
}
