package docs

var topics = []Topic{
	{
		Name:    "quickstart",
		Title:   "Quick Start",
		Summary: "Getting started with docpipe",
		Content: topicQuickstart,
	},
	{
		Name:    "config",
		Title:   "Configuration Reference",
		Summary: "docpipe.yaml fields, defaults, and environment overrides",
		Content: topicConfig,
	},
	{
		Name:    "profiles",
		Title:   "Profiles",
		Summary: "local, ci, and production, and what each one blocks",
		Content: topicProfiles,
	},
	{
		Name:    "pipeline",
		Title:   "Pipeline and Run States",
		Summary: "Workers, the fix loop, resuming, and cancelling",
		Content: topicPipeline,
	},
	{
		Name:    "gates",
		Title:   "Validation Gates",
		Summary: "The gates that decide whether a run may finish",
		Content: topicGates,
	},
	{
		Name:    "errors",
		Title:   "Error Codes and Exit Codes",
		Summary: "What each error code family means and how to react",
		Content: topicErrors,
	},
	{
		Name:    "determinism",
		Title:   "Determinism and Golden Runs",
		Summary: "Two-run verification and golden baselines",
		Content: topicDeterminism,
	},
	{
		Name:    "runs",
		Title:   "Run Directory",
		Summary: "Layout of a run directory and what gets saved",
		Content: topicRuns,
	},
}

const topicQuickstart = `Quick Start
===========

1. Initialize a project next to (or inside) the repository to document:

    cd your-project
    docpipe init

   This creates docpipe.yaml and .docpipe/taskcards/DOC-1.md, an example
   authorization record.

2. Check product and source_ref in docpipe.yaml.

3. Run the pipeline:

    docpipe run

   The run id is derived from the product, the source ref and the
   configuration, so running again with the same configuration resumes the
   same run instead of starting a new one.

4. Inspect the result:

    docpipe status
    docpipe doctor      # when the run failed

5. Prove the pipeline is deterministic:

    docpipe verify
`

const topicConfig = `Configuration Reference
=======================

docpipe reads docpipe.yaml (override with --config). Relative paths are
resolved against the directory of the file.

Required
--------

  product          Product name; also the first part of the run id.
  source_ref       Branch, tag or commit of the repository to document.
  source_repo      Path to the checked-out repository.

Optional
--------

  profile          local | ci | production (default local)
  runs_root        Where run directories live (default .docpipe/runs)
  golden_root      Where golden baselines live (default .docpipe/golden)
  taskcard         Authorization record id; required under production
  authz_registry   Directory of authorization records
                   (default .docpipe/taskcards)
  max_fix_attempts Fix loops before a run fails (default 2)

  budget:
    max_llm_calls       default 50
    max_llm_tokens      default 200000
    max_file_writes     default 500
    max_patch_attempts  default 5
    max_elapsed         default 30m
  A limit of 0 is unlimited.

  gates:
    max_page_bytes      default 200000
    max_image_bytes     default 1000000
    max_build_seconds   default 300
    min_claim_coverage  default 0.5
    min_words_per_page  default 20
    disabled            gate ids to skip; ignored under production

  secrets:
    allowlist_file      TOML allowlist in gitleaks format
    entropy_threshold   default 4.0
    gitleaks            also run the gitleaks detector (default false)

  workers:
    external            worker id -> shell command replacing the built-in
    timeout             per-invocation timeout of external workers
    llm:
      provider          offline
      model             model name passed to the client
      max_tokens_per_call

  log:
    level               debug | info | warn | error (default info)
    format              console | json

  telemetry:
    enabled             export spans (default false)

Environment
-----------

Every key can be overridden with DOCPIPE_<KEY>, using __ for nesting:

    DOCPIPE_PROFILE=ci
    DOCPIPE_BUDGET__MAX_LLM_CALLS=10

Only product, source_ref, profile, taskcard, max_fix_attempts, budget,
gates, secrets and workers feed the run id. Changing runs_root, log or
telemetry settings keeps the same run.
`

const topicProfiles = `Profiles
========

The profile decides which issue severities block a run and whether
authorization is enforced.

  profile      blocks               authorization
  -------      ------               -------------
  local        blocker              advisory (logged)
  ci           blocker              advisory (logged)
  production   error, blocker       enforced

Under production:
  - taskcard must name an In-Progress or Done authorization record.
  - Every path the pipeline plans to write must be granted by the record's
    allowed_paths, otherwise the run fails with AUTHZ_PATH_NOT_GRANTED
    before any worker runs.
  - Workers may only write the granted paths.
  - gates.disabled is ignored.
`

const topicPipeline = `Pipeline and Run States
=======================

Workers run in a fixed order:

  1. repo_scout        repository inventory
  2. facts_builder     product facts and evidence map
  3. ia_planner        page plan
  4. section_writer    draft pages (drafts/*.md)
  5. content_reviewer  review report
  6. publisher         site manifest
     fixer             patches drafts from the validation report

Each worker writes into a private staging directory. Its outputs become
visible only after it finishes; a failed or cancelled worker leaves nothing
behind.

States
------

  CREATED -> VALIDATING_CONFIG -> RUNNING -> VALIDATING_OUTPUT -> DONE
                                    ^  |             |
                                    |  v             v
                                   FIXING <----------+

Any non-terminal state can move to FAILED or CANCELLED. DONE, FAILED and
CANCELLED are final.

Fix loop
--------

A worker failure tagged fixable re-runs that worker. Blocking gate issues
tagged fixable run the fixer and then the gates again. Both share
max_fix_attempts. Budget, policy and authorization failures are never
retried.

Resuming
--------

Running again with the same configuration resumes an unfinished run.
Workers whose outputs are intact are skipped; everything after the first
worker that has to run runs again. A finished run is reported as-is.

Cancelling
----------

    docpipe cancel [run-id]

A running orchestrator stops at its next checkpoint (between workers, or
after a worker before its outputs are published). An idle run is cancelled
immediately.
`

const topicGates = `Validation Gates
================

Gates run in this order after the pipeline finishes. Each writes
logs/gate_<id>.log; together they produce artifacts/validation_report.json.

  required_paths       every declared output exists and matches its checksum
  schema               JSON artifacts validate against schemas/*.schema.json
  frontmatter          pages carry title, slug and order
  links                relative links resolve to pages in the plan
  accessibility        images have alt text, headings do not skip levels
  content_quality      no placeholders, no empty or thin pages
  claim_coverage       claims are backed by the evidence map
  navigation           no orphan pages, dangling or duplicate nav entries
  performance          page, image and build-time ceilings
  xss                  no active content or script-capable URLs
  sensitive_data       no secrets in drafts or artifacts
  external_links       external links use https
  patch_conflicts      fixer patches apply cleanly
  authorization_audit  every written path is covered by the authorization

Issues carry a severity (info, warn, error, blocker). Whether a severity
blocks depends on the profile (see 'docpipe docs profiles'). A gate that
cannot run reports GATE_NOT_IMPLEMENTED rather than passing.

Re-run the gates on an existing run without executing workers:

    docpipe validate [run-id]
`

const topicErrors = `Error Codes and Exit Codes
==========================

Exit codes
----------

  0   the run finished DONE
  1   configuration, authorization or usage problem; fix the input
  2   the run failed or was cancelled

Code families
-------------

  CONFIG_*            docpipe.yaml is missing or invalid
  AUTHZ_*             the authorization record is missing, inactive,
                      malformed or does not grant a planned path
  BUDGET_EXCEEDED_*   a budget ceiling was hit; raise the limit or
                      shrink the run
  POLICY_*            a write escaped the run directory, used '..' or
                      shell metacharacters, or hit a path that is not
                      allowed; or an untrusted directory tried to execute
  WORKER_*            a worker failed, missed an input or output, or
                      wrote something it did not declare
  GATE_BLOCKED        blocking gate issues remain after the fix loop
  RUN_LOCKED          another docpipe process holds the run
  RUN_CANCELLED       the run was cancelled

Every failure names the files involved and a suggested fix. 'docpipe
doctor' prints them together with the log of the failed worker.
`

const topicDeterminism = `Determinism and Golden Runs
===========================

Two runs of the same configuration must produce the same artifacts.
Artifacts are compared after canonicalization:

  - JSON is re-encoded with sorted keys.
  - Text has CRLF and CR normalized to LF and trailing whitespace removed
    from every line.

events.ndjson, snapshot.json and logs/ are never compared.

Two-run verification
--------------------

    docpipe verify [--out DIR]

Runs the pipeline twice, concurrently, into DIR/a and DIR/b and compares
every artifact. Mismatched artifacts are copied to DIR/mismatches/ as
<path>.a and <path>.b, and DIR/determinism_report.json lists every
mismatch with both hashes.

Golden runs
-----------

    docpipe golden capture [run-id]
    docpipe golden diff [run-id] [--out DIR]

capture stores the artifact hashes of a DONE run in
<golden_root>/<product>/<source_ref>.json. diff compares a run against
that baseline without running the pipeline again.
`

const topicRuns = `Run Directory
=============

Each run lives in <runs_root>/<run-id>/:

  snapshot.json          current state; rewritten atomically
  events.ndjson          append-only event log
  cancel.request         present while a cancel is pending
  artifacts/             JSON artifacts of the workers
  drafts/                draft pages
  schemas/               schemas the artifacts are validated against
  logs/
    orchestrator.log     structured orchestrator log
    worker_<id>-<n>.log  output of attempt n of a worker
    gate_<id>.log        findings of one gate
    metrics.prom         Prometheus text-format metrics
  .staging/              in-flight worker outputs

Secrets are redacted from logs, events, issue messages and doctor output
before they are written or printed.

List runs with 'docpipe list'; show one with 'docpipe status [run-id]'.
`
