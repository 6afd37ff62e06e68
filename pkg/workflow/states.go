package workflow

import (
	"github.com/pipewright/pipewright/pkg/cloud"
)

type State string

const (
	AwaitingApproval State = "AWAITING_APPROVAL"
	BranchOpened     State = "BRANCH_OPENED"
	Downloaded       State = "DOWNLOADED"
	TargetsResolved  State = "TARGETS_RESOLVED"

	QABackupPending    State = "QA_BACKUP_PENDING"
	QADeployPending    State = "QA_DEPLOY_PENDING"
	QADeployInProgress State = "QA_DEPLOY_IN_PROGRESS"
	QADeployed         State = "QA_DEPLOYED"
	PROpenedForReview  State = "PR_OPENED_FOR_REVIEW"

	ProductionDeployBackup        State = "PRODUCTION_DEPLOY_BACKUP"
	ProductionDeployBackupPending State = "PRODUCTION_DEPLOY_BACKUP_PENDING"
	ProductionDeployStack         State = "PRODUCTION_DEPLOY_STACK"
	ProductionDeployInProgress    State = "PRODUCTION_DEPLOY_IN_PROGRESS"
	ProductionDeployed            State = "PRODUCTION_DEPLOYED"

	RollbackStack                  State = "ROLLBACK_STACK"
	RollbackStackInProgress        State = "ROLLBACK_STACK_IN_PROGRESS"
	RollbackDatabase               State = "ROLLBACK_DATABASE"
	RollbackDatabaseRestorePending State = "ROLLBACK_DATABASE_RESTORE_PENDING"
	RollbackDatabaseCutover        State = "ROLLBACK_DATABASE_CUTOVER"
	RollbackDatabaseDNS            State = "ROLLBACK_DATABASE_DNS"
	RollbackDatabaseCleanup        State = "ROLLBACK_DATABASE_CLEANUP"
	RollbackDatabaseDeletePending  State = "ROLLBACK_DATABASE_DELETE_PENDING"

	Cleanup   State = "CLEANUP"
	Succeeded State = "SUCCEEDED"
	Failed    State = "FAILED"
)

// Names of steps, as registered in Steps and as addressed over HTTP.
const (
	StepOpenBranch        = "openBranch"
	StepDownloadSource    = "downloadSource"
	StepResolveTargets    = "resolveTargets"
	StepBackup            = "backupDatabase"
	StepPollBackup        = "pollBackup"
	StepDeployStack       = "deployStack"
	StepPollStack         = "pollStack"
	StepOpenReview        = "openReview"
	StepRollbackStack     = "rollbackStack"
	StepPollRollbackStack = "pollRollbackStack"
	StepRollbackDatabase  = "rollbackDatabase"
	StepPollRestore       = "pollRestore"
	StepCutover           = "cutover"
	StepUpdateDNS         = "updateDNS"
	StepDeleteOld         = "deleteOldInstance"
	StepPollDeleted       = "pollDeleted"
	StepCleanup           = "cleanup"
)

// transition says what happens in a state: which step runs, against
// which environment, and where the execution goes afterwards.
type transition struct {
	Step string
	// Env is the environment the step acts on. Empty means the one
	// already in the payload, which is how rollback knows what to undo.
	Env       cloud.Environment
	Next      State
	OnFailure State
	// Lock holds the target of the environment while the step runs.
	Lock bool
	// Pause waits for a task token once the step has run; Next is then
	// taken on success and OnFailure on failure.
	Pause bool
	// Final picks Succeeded or Failed depending on the payload's error.
	Final bool
}

var topology = map[State]transition{
	AwaitingApproval: {Step: StepOpenBranch, Next: BranchOpened, OnFailure: Cleanup},
	BranchOpened:     {Step: StepDownloadSource, Next: Downloaded, OnFailure: Cleanup},
	Downloaded:       {Step: StepResolveTargets, Next: TargetsResolved, OnFailure: Cleanup},

	TargetsResolved:    {Step: StepBackup, Env: cloud.QA, Lock: true, Next: QABackupPending, OnFailure: Cleanup},
	QABackupPending:    {Step: StepPollBackup, Env: cloud.QA, Lock: true, Next: QADeployPending, OnFailure: Cleanup},
	QADeployPending:    {Step: StepDeployStack, Env: cloud.QA, Lock: true, Next: QADeployInProgress, OnFailure: RollbackStack},
	QADeployInProgress: {Step: StepPollStack, Env: cloud.QA, Lock: true, Next: QADeployed, OnFailure: RollbackStack},
	QADeployed:         {Step: StepOpenReview, Env: cloud.QA, Next: PROpenedForReview, OnFailure: RollbackStack},
	PROpenedForReview:  {Env: cloud.QA, Pause: true, Next: ProductionDeployBackup, OnFailure: RollbackStack},

	ProductionDeployBackup:        {Step: StepBackup, Env: cloud.Production, Lock: true, Next: ProductionDeployBackupPending, OnFailure: Cleanup},
	ProductionDeployBackupPending: {Step: StepPollBackup, Env: cloud.Production, Lock: true, Next: ProductionDeployStack, OnFailure: Cleanup},
	ProductionDeployStack:         {Step: StepDeployStack, Env: cloud.Production, Lock: true, Next: ProductionDeployInProgress, OnFailure: RollbackStack},
	ProductionDeployInProgress:    {Step: StepPollStack, Env: cloud.Production, Lock: true, Next: ProductionDeployed, OnFailure: RollbackStack},
	ProductionDeployed:            {Next: Cleanup, OnFailure: Cleanup},

	RollbackStack:                  {Step: StepRollbackStack, Lock: true, Next: RollbackStackInProgress, OnFailure: Cleanup},
	RollbackStackInProgress:        {Step: StepPollRollbackStack, Lock: true, Next: RollbackDatabase, OnFailure: Cleanup},
	RollbackDatabase:               {Step: StepRollbackDatabase, Lock: true, Next: RollbackDatabaseRestorePending, OnFailure: Cleanup},
	RollbackDatabaseRestorePending: {Step: StepPollRestore, Lock: true, Next: RollbackDatabaseCutover, OnFailure: Cleanup},
	RollbackDatabaseCutover:        {Step: StepCutover, Lock: true, Next: RollbackDatabaseDNS, OnFailure: Cleanup},
	RollbackDatabaseDNS:            {Step: StepUpdateDNS, Lock: true, Next: RollbackDatabaseCleanup, OnFailure: Cleanup},
	RollbackDatabaseCleanup:        {Step: StepDeleteOld, Lock: true, Next: RollbackDatabaseDeletePending, OnFailure: Cleanup},
	RollbackDatabaseDeletePending:  {Step: StepPollDeleted, Lock: true, Next: Cleanup, OnFailure: Cleanup},

	Cleanup: {Step: StepCleanup, Final: true, OnFailure: Failed},
}

func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

func (s State) Paused() bool {
	return topology[s].Pause
}

// Known reports whether s is part of the pipeline.
func (s State) Known() bool {
	_, ok := topology[s]
	return ok || s.Terminal()
}
