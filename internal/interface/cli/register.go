package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/contractd/internal/application/service"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
)

// contractFile is the YAML document accepted by register
type contractFile struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	MaxRetries  *int   `yaml:"max_retries"`
	TimeoutSec  int    `yaml:"timeout_sec"`

	DependsOn []struct {
		ID        string `yaml:"id"`
		OnFailure string `yaml:"on_failure"`
	} `yaml:"depends_on"`

	Input struct {
		Payload interface{} `yaml:"payload"`
		Schema  interface{} `yaml:"schema"`
	} `yaml:"input"`

	Output struct {
		Schema            interface{} `yaml:"schema"`
		ExpectedArtifacts []string    `yaml:"expected_artifacts"`
	} `yaml:"output"`

	Verification struct {
		ContinueOnFailure bool `yaml:"continue_on_failure"`
		Checks            []struct {
			Name          string `yaml:"name"`
			Type          string `yaml:"type"`
			Command       string `yaml:"command"`
			ExpectedExit  int    `yaml:"expected_exit"`
			OutputPattern string `yaml:"output_pattern"`
			TimeoutSec    int    `yaml:"timeout_sec"`
			Retries       int    `yaml:"retries"`
			Instructions  string `yaml:"instructions"`
		} `yaml:"checks"`
	} `yaml:"verification"`

	Rollback struct {
		Strategy     string      `yaml:"strategy"`
		Commands     []string    `yaml:"commands"`
		Template     interface{} `yaml:"template"`
		Instructions string      `yaml:"instructions"`
	} `yaml:"rollback"`
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new contract from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()
			data, err := afero.ReadFile(fs, file)
			if err != nil {
				return fmt.Errorf("read contract file: %w", err)
			}

			input, err := parseContractFile(data)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			c, err := container.RegistrationService().Register(cmd.Context(), *input)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return printJSON(cmd, contractView(c))
			}
			cmd.Printf("registered %s (%s) status=%s\n", c.ID(), c.Title(), c.Status())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Contract definition file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// parseContractFile converts the YAML document into a registration request
func parseContractFile(data []byte) (*service.RegisterInput, error) {
	var doc contractFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse contract file: %w", err)
	}
	if doc.Title == "" {
		return nil, fmt.Errorf("contract file: title is required")
	}

	spec := contract.Spec{TimeoutSec: doc.TimeoutSec}
	var err error
	if spec.Input.Payload, err = yamlToJSON(doc.Input.Payload); err != nil {
		return nil, fmt.Errorf("input.payload: %w", err)
	}
	if spec.Input.Schema, err = yamlToJSON(doc.Input.Schema); err != nil {
		return nil, fmt.Errorf("input.schema: %w", err)
	}
	if spec.Output.Schema, err = yamlToJSON(doc.Output.Schema); err != nil {
		return nil, fmt.Errorf("output.schema: %w", err)
	}
	spec.Output.ExpectedArtifacts = doc.Output.ExpectedArtifacts

	spec.Verification.ContinueOnFailure = doc.Verification.ContinueOnFailure
	for _, check := range doc.Verification.Checks {
		spec.Verification.Checks = append(spec.Verification.Checks, contract.VerificationCheck{
			Name:          check.Name,
			Type:          contract.CheckType(check.Type),
			Command:       check.Command,
			ExpectedExit:  check.ExpectedExit,
			OutputPattern: check.OutputPattern,
			TimeoutSec:    check.TimeoutSec,
			Retries:       check.Retries,
			Instructions:  check.Instructions,
		})
	}

	spec.Rollback.Strategy = contract.RollbackStrategy(doc.Rollback.Strategy)
	spec.Rollback.Commands = doc.Rollback.Commands
	spec.Rollback.Instructions = doc.Rollback.Instructions
	if spec.Rollback.Template, err = yamlToJSON(doc.Rollback.Template); err != nil {
		return nil, fmt.Errorf("rollback.template: %w", err)
	}

	var deps []contract.Dependency
	for _, d := range doc.DependsOn {
		id, err := model.NewContractIDFromString(d.ID)
		if err != nil {
			return nil, fmt.Errorf("depends_on: %w", err)
		}
		dep := contract.NewDependency(id)
		if d.OnFailure != "" {
			dep.OnFailure = contract.CascadePolicy(d.OnFailure)
			if !dep.OnFailure.IsValid() {
				return nil, fmt.Errorf("depends_on %s: invalid on_failure %q", d.ID, d.OnFailure)
			}
		}
		deps = append(deps, dep)
	}

	maxRetries := 3
	if doc.MaxRetries != nil {
		maxRetries = *doc.MaxRetries
	}

	return &service.RegisterInput{
		Title:       doc.Title,
		Description: doc.Description,
		Spec:        spec,
		DependsOn:   deps,
		MaxRetries:  maxRetries,
	}, nil
}

// yamlToJSON converts a decoded YAML node into canonical JSON bytes
func yamlToJSON(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
