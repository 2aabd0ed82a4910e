package workflow

import (
	"fmt"
)

// Output names published by the standard deployment stages. The engine does
// not enforce them; they are the contract between a stage and its dependents.
const (
	OutputRepoDir     = "repo_dir"
	OutputCheckoutRef = "checkout_ref"
	OutputRepoOwner   = "repo_owner"
	OutputRepoName    = "repo_name"

	OutputImageTag       = "image_tag"
	OutputImageID        = "image_id"
	OutputSizeBytes      = "size_bytes"
	OutputBuildContext   = "build_context"
	OutputDockerfilePath = "dockerfile_path"

	OutputDeploymentID = "deployment_id"
	OutputServiceName  = "service_name"
	OutputNamespace    = "namespace"
	OutputEndpointURL  = "endpoint_url"
)

// RepositoryOutput groups the outputs of a source download stage.
type RepositoryOutput struct {
	RepoDir     string `json:"repo_dir"`
	CheckoutRef string `json:"checkout_ref"`
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
}

// ImageOutput groups the outputs of an image build stage.
type ImageOutput struct {
	ImageTag       string `json:"image_tag"`
	ImageID        string `json:"image_id"`
	SizeBytes      uint64 `json:"size_bytes"`
	BuildContext   string `json:"build_context"`
	DockerfilePath string `json:"dockerfile_path"`
}

// DeploymentOutput groups the outputs of a deploy stage.
type DeploymentOutput struct {
	DeploymentID string `json:"deployment_id"`
	ServiceName  string `json:"service_name"`
	Namespace    string `json:"namespace"`
	EndpointURL  string `json:"endpoint_url"`
}

type outputField struct {
	name string
	dst  interface{}
}

// readOutputs decodes every field, failing with KindPrerequisite on the first
// missing output.
func readOutputs(r OutputReader, jobID string, fields []outputField) error {
	for _, f := range fields {
		ok, err := r.LookupOutput(jobID, f.name, f.dst)
		if err != nil {
			return err
		}
		if !ok {
			return NewError(KindPrerequisite, fmt.Sprintf("%s output not found", f.name), nil).
				WithJob(jobID).
				WithDetail("output", f.name)
		}
	}
	return nil
}

// ReadRepositoryOutput reads the repository outputs published by jobID.
func ReadRepositoryOutput(r OutputReader, jobID string) (*RepositoryOutput, error) {
	var out RepositoryOutput
	err := readOutputs(r, jobID, []outputField{
		{OutputRepoDir, &out.RepoDir},
		{OutputCheckoutRef, &out.CheckoutRef},
		{OutputRepoOwner, &out.RepoOwner},
		{OutputRepoName, &out.RepoName},
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Publish stages every repository output on jc.
func (o *RepositoryOutput) Publish(jc *JobContext) error {
	return publish(jc, map[string]interface{}{
		OutputRepoDir:     o.RepoDir,
		OutputCheckoutRef: o.CheckoutRef,
		OutputRepoOwner:   o.RepoOwner,
		OutputRepoName:    o.RepoName,
	})
}

// ReadImageOutput reads the image outputs published by jobID.
func ReadImageOutput(r OutputReader, jobID string) (*ImageOutput, error) {
	var out ImageOutput
	err := readOutputs(r, jobID, []outputField{
		{OutputImageTag, &out.ImageTag},
		{OutputImageID, &out.ImageID},
		{OutputSizeBytes, &out.SizeBytes},
		{OutputBuildContext, &out.BuildContext},
		{OutputDockerfilePath, &out.DockerfilePath},
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Publish stages every image output on jc.
func (o *ImageOutput) Publish(jc *JobContext) error {
	return publish(jc, map[string]interface{}{
		OutputImageTag:       o.ImageTag,
		OutputImageID:        o.ImageID,
		OutputSizeBytes:      o.SizeBytes,
		OutputBuildContext:   o.BuildContext,
		OutputDockerfilePath: o.DockerfilePath,
	})
}

// ReadDeploymentOutput reads the deployment outputs published by jobID.
func ReadDeploymentOutput(r OutputReader, jobID string) (*DeploymentOutput, error) {
	var out DeploymentOutput
	err := readOutputs(r, jobID, []outputField{
		{OutputDeploymentID, &out.DeploymentID},
		{OutputServiceName, &out.ServiceName},
		{OutputNamespace, &out.Namespace},
		{OutputEndpointURL, &out.EndpointURL},
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Publish stages every deployment output on jc.
func (o *DeploymentOutput) Publish(jc *JobContext) error {
	return publish(jc, map[string]interface{}{
		OutputDeploymentID: o.DeploymentID,
		OutputServiceName:  o.ServiceName,
		OutputNamespace:    o.Namespace,
		OutputEndpointURL:  o.EndpointURL,
	})
}

func publish(jc *JobContext, values map[string]interface{}) error {
	for name, v := range values {
		if err := jc.SetOutput(name, v); err != nil {
			return err
		}
	}
	return nil
}
