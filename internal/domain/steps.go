package domain

// Step names, in execution order. They are the wire names shown in run status.
const (
	StepGenerateRunID     = "generate_run_id"
	StepSplitTrainTest    = "split_train_test"
	StepTrainRandomForest = "train_random_forest"
	StepApproveModel      = "approve_model_to_prod"
	StepDeployToProd      = "deploy_to_prod"
)

var StepOrder = []string{
	StepGenerateRunID,
	StepSplitTrainTest,
	StepTrainRandomForest,
	StepApproveModel,
	StepDeployToProd,
}

// StepIndex returns the position of name in StepOrder, or -1.
func StepIndex(name string) int {
	for i, step := range StepOrder {
		if step == name {
			return i
		}
	}
	return -1
}

// Error codes recorded on step executions.
const (
	StepErrorUpstreamFailed = "upstream_failed"
	StepErrorRejected       = "rejected"
	StepErrorStepFailed     = "step_failed"
)
