package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/chartseed/internal/platform/document"
	"github.com/ehr/chartseed/internal/platform/ledger"
	"github.com/ehr/chartseed/internal/platform/source"
	"github.com/ehr/chartseed/internal/platform/validation"
)

// Options controls a run.
type Options struct {
	// Workers is the number of records processed at once. Values below 1
	// mean sequential.
	Workers int
	// DryRun builds every payload but submits nothing and writes no ledger
	// entries.
	DryRun bool
	// ReportPath is where the validation report is written. Empty skips it.
	ReportPath string
}

// Runner migrates the records of one entity.
type Runner struct {
	entity    Entity
	env       *Env
	submitter Submitter
	ledgers   *ledger.Set
	opts      Options
	logger    zerolog.Logger
}

func NewRunner(entity Entity, env *Env, submitter Submitter, ledgers *ledger.Set, opts Options, logger zerolog.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{
		entity:    entity,
		env:       env,
		submitter: submitter,
		ledgers:   ledgers,
		opts:      opts,
		logger:    logger.With().Str("entity", entity.Name()).Logger(),
	}
}

// Run processes every record of table. Only a header mismatch or a ledger
// write failure returns an error; every per-record problem is routed to the
// report or a ledger. Cancelling ctx stops new records from starting while
// records already in flight finish and are checkpointed.
func (r *Runner) Run(ctx context.Context, table *source.Table) (*Summary, error) {
	if err := validation.ValidateHeader(table.Columns, r.entity.Columns()); err != nil {
		return nil, err
	}

	summary := newSummary(r.entity.Name())
	report := validation.NewReport()
	seen := make(map[string]bool, len(table.Records))
	schema := r.entity.Schema()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	// In-flight records must not be abandoned half-way through a create.
	work := context.WithoutCancel(ctx)

	for i, raw := range table.Records {
		if gctx.Err() != nil {
			break
		}
		summary.Total++

		rec, id, violations := validateRecord(r.entity, r.env, schema, raw, lineOf(table, i))
		if len(violations) > 0 {
			report.Add(id, violations)
			summary.Invalid++
			r.logger.Warn().Str("record_id", id).Str("state", SkippedValidation.String()).
				Int("violations", len(violations)).Msg("record failed validation")
			continue
		}

		if seen[id] {
			summary.Duplicates++
			r.logger.Warn().Str("record_id", id).Int("line", lineOf(table, i)).Msg("duplicate record id in source, skipping")
			continue
		}
		seen[id] = true

		if kind, ok := r.ledgers.Recorded(id); ok {
			summary.AlreadyRecorded++
			r.logger.Debug().Str("record_id", id).Str("ledger", string(kind)).Msg("already recorded, skipping")
			continue
		}

		g.Go(func() error {
			return r.process(work, id, rec, summary)
		})
	}

	err := g.Wait()
	summary.Interrupted = ctx.Err() != nil

	if r.opts.ReportPath != "" {
		if werr := report.WriteFile(r.opts.ReportPath); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	return summary, err
}

// process builds, submits and checkpoints one valid record. Only ledger and
// map persistence failures are returned.
func (r *Runner) process(ctx context.Context, id string, rec validation.Record, summary *Summary) error {
	patientID := r.entity.PatientID(rec)
	log := r.logger.With().Str("record_id", id).Logger()

	draft, err := r.entity.Build(ctx, r.env, rec)
	if err != nil {
		state, ignore := Route(err)
		log = log.With().Str("state", state.String()).Logger()
		if ignore {
			var missing *document.MissingFilesError
			var files []string
			if errors.As(err, &missing) {
				files = missing.Files
			}
			summary.addIgnore(id, err.Error(), files)
			log.Info().Err(err).Msg("record ignored")
			if r.opts.DryRun {
				return nil
			}
			return r.ledgers.MarkIgnore(id, err.Error())
		}
		summary.addError(id, err.Error())
		log.Error().Err(err).Msg("record failed")
		if r.opts.DryRun {
			return nil
		}
		return r.ledgers.MarkError(id, patientID, "", err.Error())
	}

	if r.opts.DryRun {
		payload, err := json.Marshal(draft.Resource)
		if err != nil {
			summary.addError(id, err.Error())
			log.Error().Err(err).Msg("payload does not encode")
			return nil
		}
		summary.add(&summary.Planned)
		log.Info().Str("state", Encoded.String()).Int("payload_bytes", len(payload)).Msg("dry run, not submitted")
		return nil
	}

	key, err := r.submitter.Create(ctx, r.entity.ResourceType(), draft.Resource)
	if err != nil {
		summary.addError(id, err.Error())
		log.Error().Err(err).Str("state", Error.String()).Msg("submission failed")
		return r.ledgers.MarkError(id, patientID, draft.PatientKey, err.Error())
	}

	var mapErr error
	if c, ok := r.entity.(Creator); ok {
		mapErr = c.Created(r.env, rec, id, key)
	}
	if err := r.ledgers.MarkDone(id, patientID, draft.PatientKey, key); err != nil {
		return errors.Join(mapErr, err)
	}
	summary.add(&summary.Done)
	log.Info().Str("state", Done.String()).Str("target_key", key).Msg("record migrated")
	if mapErr != nil {
		return fmt.Errorf("record %s created as %s but not mapped: %w", id, key, mapErr)
	}
	return nil
}

// validateRecord checks raw against schema and derives its record id. Records
// without a usable id are reported under their source line.
func validateRecord(entity Entity, env *Env, schema *validation.Schema, raw validation.Record, line int) (validation.Record, string, []validation.Violation) {
	rec, violations := schema.Validate(raw)
	id := entity.RecordID(env, rec)
	switch {
	case id == "":
		id = fmt.Sprintf("line %d", line)
		violations = append(violations, validation.Violation{Message: "record id is empty"})
	case ledger.CheckID(id) != nil:
		violations = append(violations, validation.Violation{
			Message: fmt.Sprintf("record id %q contains a line break or the reserved character %q", id, "|"),
		})
		id = fmt.Sprintf("line %d", line)
	}
	return rec, id, violations
}

func lineOf(table *source.Table, i int) int {
	if i < len(table.Lines) {
		return table.Lines[i]
	}
	return i + 2 // header is line 1
}

// Check validates every record of table without resolving or submitting
// anything. It returns the report and the number of valid records.
func Check(entity Entity, env *Env, table *source.Table) (*validation.Report, int, error) {
	if err := validation.ValidateHeader(table.Columns, entity.Columns()); err != nil {
		return nil, 0, err
	}
	report := validation.NewReport()
	schema := entity.Schema()
	valid := 0
	for i, raw := range table.Records {
		_, id, violations := validateRecord(entity, env, schema, raw, lineOf(table, i))
		if len(violations) > 0 {
			report.Add(id, violations)
			continue
		}
		valid++
	}
	return report, valid, nil
}
