package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/docsignal/overlay-eval/internal/model"
)

var overlayCmd = &cobra.Command{
	Use:   "overlay",
	Short: "Manage rubric overlays",
}

var overlayImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import an overlay definition from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read overlay file")
		}

		var overlay model.Overlay
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return eris.Wrap(err, "parse overlay yaml")
		}
		if overlay.Name == "" {
			return eris.New("overlay name is required")
		}
		if len(overlay.Criteria) == 0 {
			return eris.New("overlay has no criteria")
		}

		// Missing ids get generated; the scoring stage only accepts
		// criteria whose ids are valid UUIDs.
		if overlay.ID == "" {
			overlay.ID = uuid.NewString()
		}
		for i := range overlay.Criteria {
			if overlay.Criteria[i].ID == "" {
				overlay.Criteria[i].ID = uuid.NewString()
			}
			overlay.Criteria[i].OverlayID = overlay.ID
			if overlay.Criteria[i].Position == 0 {
				overlay.Criteria[i].Position = i + 1
			}
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.ImportOverlay(ctx, &overlay); err != nil {
			return eris.Wrap(err, "import overlay")
		}

		zap.L().Info("overlay imported",
			zap.String("overlay_id", overlay.ID),
			zap.String("name", overlay.Name),
			zap.Int("criteria", len(overlay.Criteria)),
		)
		return nil
	},
}

var overlayShowCmd = &cobra.Command{
	Use:   "show <overlay-id>",
	Short: "Print an overlay and its criteria",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		overlay, err := env.Store.GetOverlay(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "load overlay")
		}
		overlay.Criteria, err = env.Store.ListCriteria(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "list criteria")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(overlay)
	},
}

func init() {
	overlayCmd.AddCommand(overlayImportCmd)
	overlayCmd.AddCommand(overlayShowCmd)
	rootCmd.AddCommand(overlayCmd)
}
