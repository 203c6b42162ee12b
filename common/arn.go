package common

import "fmt"

// The emulator runs under a single fixed account and region; ARNs only
// need to be stable and well-formed, not globally unique.
const (
	AccountID = "000000000000"
	Region    = "local-1"
)

// ARN builds a resource identifier in the standard hierarchical format.
func ARN(service, resource string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, Region, AccountID, resource)
}

// TableARN returns the ARN for a KV table.
func TableARN(name string) string { return ARN("dynamodb", "table/"+name) }

// QueueARN returns the ARN for a queue.
func QueueARN(name string) string { return ARN("sqs", name) }

// BucketARN returns the ARN for an object bucket (no region/account).
func BucketARN(name string) string { return "arn:aws:s3:::" + name }

// TopicARN returns the ARN for a pub/sub topic.
func TopicARN(name string) string { return ARN("sns", name) }

// RuleARN returns the ARN for an event bus rule.
func RuleARN(bus, rule string) string {
	return ARN("events", fmt.Sprintf("rule/%s/%s", bus, rule))
}

// FunctionARN returns the ARN for a compute function.
func FunctionARN(name string) string { return ARN("lambda", "function:"+name) }

// StateMachineARN returns the ARN for a workflow state machine.
func StateMachineARN(name string) string {
	return ARN("states", "stateMachine:"+name)
}

// ExecutionARN returns the ARN for a workflow execution.
func ExecutionARN(machine, id string) string {
	return ARN("states", fmt.Sprintf("execution:%s:%s", machine, id))
}

// PoolARN returns the ARN for an identity pool.
func PoolARN(id string) string { return ARN("cognito-idp", "userpool/"+id) }

// ParameterARN returns the ARN for a stored parameter.
func ParameterARN(name string) string { return ARN("ssm", "parameter/"+name) }

// SecretARN returns the ARN for a secret.
func SecretARN(name, suffix string) string {
	return ARN("secretsmanager", fmt.Sprintf("secret:%s-%s", name, suffix))
}
