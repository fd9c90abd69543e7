package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"collabtext/collabd/internal/transport"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	var (
		server    string
		principal string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "tail <documentId>",
		Short: "Follow a document and print its text after every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" && token == "" {
				return errors.New("--principal or --token is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			editorOpts := transport.DefaultEditorOptions()
			editorOpts.URL = server + "/ws/" + url.PathEscape(args[0])
			editorOpts.PrincipalID = principal
			editorOpts.Token = token
			var editor *transport.Editor
			editorOpts.OnMessage = func(env transport.Envelope) {
				switch env.Type {
				case transport.TypeJoined, transport.TypeChange, transport.TypeSyncResponse:
					text, version := editor.Text()
					fmt.Fprintf(cmd.OutOrStdout(), "--- version %d\n%s\n", version, text)
				case transport.TypeParticipantJoin, transport.TypeParticipantLeave:
					var p transport.ParticipantPayload
					if env.Decode(&p) == nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", env.Type, p.PrincipalID)
					}
				}
			}
			editor = transport.NewEditor(editorOpts)
			err := editor.Run(ctx)
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", envOrDefault("COLLABD_SERVER_URL", "ws://localhost:8080"), "server base URL")
	cmd.Flags().StringVar(&principal, "principal", envOrDefault("COLLABD_PRINCIPAL", ""), "principal id, for servers without auth.jwt_secret")
	cmd.Flags().StringVar(&token, "token", envOrDefault("COLLABD_TOKEN", ""), "bearer token")
	return cmd
}
