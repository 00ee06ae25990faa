package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/tagfarm/internal/bake"
	"github.com/3cpo-dev/tagfarm/internal/catalog"
	"github.com/3cpo-dev/tagfarm/internal/config"
	"github.com/3cpo-dev/tagfarm/internal/exportfarm"
	"github.com/3cpo-dev/tagfarm/internal/ssh"
	"github.com/3cpo-dev/tagfarm/internal/store"
)

// Create the bake command
func newBakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bake",
		Short: "Bake lightmaps for a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			profileName, _ := cmd.Flags().GetString("profile")
			quality, _ := cmd.Flags().GetString("quality")
			scenario, _ := cmd.Flags().GetString("scenario")
			bsp, _ := cmd.Flags().GetString("bsp")
			lightGroup, _ := cmd.Flags().GetString("light-group")
			model, _ := cmd.Flags().GetBool("model")
			prepass, _ := cmd.Flags().GetBool("prepass")
			workers, _ := cmd.Flags().GetInt("workers")
			asYAML, _ := cmd.Flags().GetBool("yaml")

			var profile bake.Profile
			switch profileName {
			case "staged":
				profile = bake.Staged{Quality: bake.NormalizeStagedQuality(quality), LightGroup: lightGroup}
			case "single-shot":
				profile = bake.SingleShot{Quality: quality, Model: model, PrePass: prepass}
			default:
				return fmt.Errorf("unknown profile %q (want staged or single-shot)", profileName)
			}

			rt, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Warn().Err(err).Msg("shutdown")
				}
			}()

			if workers <= 0 {
				workers = rt.cfg.WorkerCount()
			}
			baker := &bake.Baker{
				Runner:           rt.runner,
				FS:               rt.fs,
				ProjectRoot:      rt.cfg.ProjectRoot,
				BlobDir:          rt.cfg.Lightmap.BlobDir,
				Workers:          workers,
				PrePassArtifacts: rt.cfg.Lightmap.PrePassArtifacts,
				CaptureSingles:   rt.cfg.CaptureStageOutput,
				Recorder:         rt.collector,
			}
			started := time.Now()
			report := baker.Bake(cmd.Context(), profile, bake.Scope{Scenario: scenario, BSP: bsp})
			if rt.history != nil {
				if _, err := rt.history.RecordBake(cmd.Context(), started, report); err != nil {
					log.Warn().Err(err).Msg("record bake")
				}
			}

			out := cmd.OutOrStdout()
			if asYAML {
				if err := writeYAML(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, report.Message)
				for _, w := range report.Warnings {
					fmt.Fprintf(out, "warning: %s\n", w)
				}
				printLatencies(out, rt)
			}
			if !report.OK {
				return errFailed
			}
			return nil
		},
	}

	cmd.Flags().String("profile", "staged", "Bake profile: staged or single-shot")
	cmd.Flags().String("quality", "direct_only", "Lightmap quality; for single-shot a settings name, \"\" or __custom__")
	cmd.Flags().String("scenario", "", "Scenario tag path")
	cmd.Flags().String("bsp", "all", "Structure BSP to bake, or all")
	cmd.Flags().String("light-group", "all", "Light group (staged only)")
	cmd.Flags().Bool("model", false, "Bake a model rather than a scenario (single-shot only)")
	cmd.Flags().Bool("prepass", false, "Run the analytical light pre-pass alongside (single-shot only)")
	cmd.Flags().Int("workers", 0, "Fan-out workers per stage (default from config)")
	cmd.Flags().Bool("yaml", false, "Print the report as YAML")
	_ = cmd.MarkFlagRequired("scenario")

	return cmd
}

// Create the farm command
func newFarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "farm",
		Short: "Export textures and materials from a scene snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshotPath, _ := cmd.Flags().GetString("snapshot")
			typeName, _ := cmd.Flags().GetString("type")
			textureScope, _ := cmd.Flags().GetString("textures")
			materialScope, _ := cmd.Flags().GetString("materials")
			allImages, _ := cmd.Flags().GetBool("all-images")
			limit, _ := cmd.Flags().GetInt("concurrency")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			asYAML, _ := cmd.Flags().GetBool("yaml")

			farmType, err := exportfarm.ParseType(typeName)
			if err != nil {
				return err
			}
			ts, err := catalog.ParseScope(textureScope)
			if err != nil {
				return err
			}
			ms, err := catalog.ParseScope(materialScope)
			if err != nil {
				return err
			}
			snap, err := catalog.LoadSnapshot(snapshotPath)
			if err != nil {
				return err
			}

			rt, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Warn().Err(err).Msg("shutdown")
				}
			}()

			cat, err := catalog.Build(snap, catalog.Options{
				TextureScope:     ts,
				MaterialScope:    ms,
				IncludeAllImages: allImages,
				Corinth:          rt.cfg.Farm.Corinth,
				TagsDir:          rt.cfg.TagsDir,
				ShadersDir:       rt.cfg.Farm.ShadersDir,
			}, rt.fs)
			if err != nil {
				return err
			}
			for _, s := range cat.Skipped() {
				log.Debug().Str("item", s.Name).Str("kind", s.Kind.String()).Str("reason", s.Reason).Msg("skipped")
			}

			out := cmd.OutOrStdout()
			if dryRun {
				printPlan(out, cat, farmType)
				return nil
			}

			if limit <= 0 {
				limit = rt.cfg.FarmConcurrency()
			}
			farm := &exportfarm.Farm{
				Runner:    rt.runner,
				Converter: exportfarm.SourceCheck{FS: rt.fs, DataDir: rt.cfg.DataDir},
				Type:      farmType,
				Corinth:   rt.cfg.Farm.Corinth,
				Recorder:  rt.collector,
			}
			started := time.Now()
			report, runErr := farm.Run(cmd.Context(), cat, limit)
			if rt.history != nil {
				if _, err := rt.history.RecordFarm(cmd.Context(), started, report, runErr); err != nil {
					log.Warn().Err(err).Msg("record farm")
				}
			}
			if runErr != nil {
				return runErr
			}

			if asYAML {
				return writeYAML(out, report)
			}
			fmt.Fprintf(out, "Farm Completed in %d seconds\n", int(report.DurationSeconds))
			fmt.Fprintf(out, "textures: %d (%d failed)\n", report.TexturesProcessed, report.TextureFailures)
			fmt.Fprintf(out, "materials: %d (%d failed)\n", report.MaterialsProcessed, report.MaterialFailures)
			if report.DuplicatesSkipped > 0 {
				fmt.Fprintf(out, "duplicates skipped: %d\n", report.DuplicatesSkipped)
			}
			printLatencies(out, rt)
			return nil
		},
	}

	cmd.Flags().String("snapshot", "", "Scene snapshot YAML listing images and materials")
	cmd.Flags().String("type", "both", "What to export: both, bitmaps or shaders")
	cmd.Flags().String("textures", "all", "Texture scope: all, new or update")
	cmd.Flags().String("materials", "all", "Material scope: all, new or update")
	cmd.Flags().Bool("all-images", false, "Include images no material references")
	cmd.Flags().Int("concurrency", 0, "Maximum texture jobs in flight (default from config)")
	cmd.Flags().Bool("dry-run", false, "Print the selected items without running the tool")
	cmd.Flags().Bool("yaml", false, "Print the report as YAML")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}

func printLatencies(out io.Writer, rt *session) {
	for _, l := range rt.collector.Latencies() {
		fmt.Fprintln(out, l)
	}
}

func printPlan(out io.Writer, cat *catalog.Catalog, t exportfarm.Type) {
	if t != exportfarm.MaterialsOnly {
		for _, item := range cat.Textures() {
			fmt.Fprintf(out, "texture\t%s\t%s\t%s\n", item.Bucket, item.Name, item.OutputPath)
		}
	}
	if t != exportfarm.TexturesOnly {
		for _, item := range cat.Materials() {
			fmt.Fprintf(out, "material\t%s\t%s\t%s\n", item.Bucket, item.Name, item.OutputPath)
		}
	}
}

// Create the history command
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent bakes and farm runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.StorePath()
			if path == "" {
				return fmt.Errorf("run history is disabled (store.path is off)")
			}
			st, err := store.NewStore(path)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %-4s  %-9s  %-22s  %8s  %s\n",
					r.StartedAt.Local().Format(time.DateTime), r.Kind, r.Status, r.Profile,
					r.Duration.Round(time.Second), r.Message)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Number of runs to show")
	return cmd
}

// Create the remote command group
func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage SSH access to a remote build host",
	}
	cmd.AddCommand(newRemoteKeygenCmd())
	cmd.AddCommand(newRemoteTrustCmd())
	return cmd
}

func newRemoteKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for the build host",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			comment, _ := cmd.Flags().GetString("comment")
			pub, err := ssh.GenerateEd25519Keypair(out, comment)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().String("out", "", "Private key path; the public key is written beside it with .pub")
	cmd.Flags().String("comment", "tagfarm", "Key comment")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newRemoteTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Record a build host key in known_hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			key, _ := cmd.Flags().GetString("key")
			path, _ := cmd.Flags().GetString("known-hosts")
			if path == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				path = knownHostsPath(cfg)
			}
			if err := ssh.TrustHost(path, host, key); err != nil {
				return err
			}
			log.Info().Str("host", host).Str("known_hosts", path).Msg("host trusted")
			return nil
		},
	}
	cmd.Flags().String("host", "", "Host address, e.g. build01:22")
	cmd.Flags().String("key", "", "Host public key in authorized_keys format")
	cmd.Flags().String("known-hosts", "", "known_hosts file (default from config)")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func knownHostsPath(cfg config.Config) string {
	if cfg.Remote.KnownHosts != "" {
		return cfg.Remote.KnownHosts
	}
	return ssh.DefaultKnownHostsPath()
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
