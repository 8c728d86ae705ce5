package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/Sylva/internal/middleware"
	"github.com/soaringjerry/Sylva/internal/services"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage researcher access keys",
	}

	var researcher, name string
	var siteAdmin bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new access key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if researcher == "" {
				return errors.New("--researcher is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				access, secret, err := a.creds.CreateKey(ctx, researcher, siteAdmin, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "access_key_id: %s\nsecret_key: %s\n", access, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&researcher, "researcher", "", "owning researcher id")
	create.Flags().StringVar(&name, "name", "", "readable key name")
	create.Flags().BoolVar(&siteAdmin, "site-admin", false, "grant site admin access")

	rotate := &cobra.Command{
		Use:   "rotate ACCESS_KEY_ID",
		Short: "Replace the secret of an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				secret, err := a.creds.RotateSecret(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "secret_key: %s\n", secret)
				return nil
			})
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate ACCESS_KEY_ID",
		Short: "Disable an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.DeactivateAPIKey(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, rotate, deactivate)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var researcher string
	var siteAdmin bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the Forest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tok, err := middleware.NewAuth(cfg.JWTSecret).SignToken(researcher, siteAdmin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&researcher, "researcher", "", "researcher id carried by the token")
	cmd.Flags().BoolVar(&siteAdmin, "site-admin", false, "mark the token as site admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed studies, participants and researcher relations",
	}

	var name, tz string
	var forest bool
	study := &cobra.Command{
		Use:   "study ID",
		Short: "Create a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st := &services.Study{ID: args[0], Name: name, Timezone: tz, ForestEnabled: forest}
				if st.Name == "" {
					st.Name = st.ID
				}
				return a.store.AddStudy(ctx, st)
			})
		},
	}
	study.Flags().StringVar(&name, "name", "", "display name")
	study.Flags().StringVar(&tz, "timezone", "UTC", "IANA timezone of the study")
	study.Flags().BoolVar(&forest, "forest", false, "enable Forest analysis")

	participant := &cobra.Command{
		Use:   "participant STUDY_ID PATIENT_ID...",
		Short: "Enroll participants in a study",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				for _, pid := range args[1:] {
					p := &services.Participant{
						ID:        uuid.NewString(),
						StudyID:   args[0],
						PatientID: pid,
						CreatedAt: time.Now().UTC(),
					}
					if err := a.store.AddParticipant(ctx, p); err != nil {
						return fmt.Errorf("add participant %s: %w", pid, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", pid, p.ID)
				}
				return nil
			})
		},
	}

	var role string
	relation := &cobra.Command{
		Use:   "relation STUDY_ID RESEARCHER_ID",
		Short: "Grant a researcher access to a study",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.AddStudyRelation(ctx, args[0], args[1], role)
			})
		},
	}
	relation.Flags().StringVar(&role, "role", "researcher", "relation role")

	cmd.AddCommand(study, participant, relation)
	return cmd
}
