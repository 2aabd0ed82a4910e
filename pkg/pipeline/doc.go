// Package pipeline loads workflow definitions from YAML files.
//
// A pipeline file lists command jobs and the engine settings for the run:
//
//	name: deploy
//	max_parallel: 2
//	failure_policy: abort
//	vars:
//	  migrate: false
//	jobs:
//	  - id: download
//	    run: ./scripts/clone.sh
//	  - id: build
//	    run: docker build -t "app:$LAUNCHYARD_RUN_ID" "$DOWNLOAD_REPO_DIR"
//	    requires: [download.repo_dir]
//	  - id: migrate
//	    run: ./scripts/migrate.sh
//	    when: migrate
//	    optional: true
//	  - id: deploy
//	    run: ./scripts/deploy.sh
//	    depends_on: [migrate]
//	    requires: [build.image_tag]
//
// Definition.NewBuilder turns a definition into a workflow.Builder of
// jobs.CommandJob values. Watcher re-reads the file when it changes.
package pipeline
