package hooks

// Namespace is the base IRI prefix for all hook vocabulary terms.
const Namespace = "https://semhooks.dev/vocab#"

// Class IRIs for the hook vocabulary.
const (
	// ClassHook is a declarative rule: predicate plus pipelines.
	ClassHook = Namespace + "Hook"

	// ClassPipeline is an ordered group of steps run for a triggered hook.
	ClassPipeline = Namespace + "Pipeline"

	// Step classes, one per typed step kind.
	ClassSparqlStep   = Namespace + "SparqlStep"
	ClassTemplateStep = Namespace + "TemplateStep"
	ClassFileStep     = Namespace + "FileStep"
	ClassHTTPStep     = Namespace + "HttpStep"
	ClassCLIStep      = Namespace + "CliStep"

	// Predicate classes, one per decision kind.
	ClassAskPredicate             = Namespace + "AskPredicate"
	ClassSelectThresholdPredicate = Namespace + "SelectThresholdPredicate"
	ClassConstructDeltaPredicate  = Namespace + "ConstructDeltaPredicate"
	ClassDescribePredicate        = Namespace + "DescribePredicate"
	ClassResultDeltaPredicate     = Namespace + "ResultDeltaPredicate"
	ClassShaclPredicate           = Namespace + "ShaclPredicate"
)

// Hook property IRIs.
const (
	PropTitle      = Namespace + "title"
	PropOnSignal   = Namespace + "onSignal"
	PropFileFilter = Namespace + "fileFilter"
	PropPredicate  = Namespace + "predicate"
	PropPipeline   = Namespace + "pipeline"
)

// Predicate property IRIs.
const (
	PropQuery    = Namespace + "query"
	PropVariable = Namespace + "variable"
	PropOperator = Namespace + "operator"
	PropValue    = Namespace + "value"
	PropIRI      = Namespace + "iri"
	PropShape    = Namespace + "shape"
	PropScope    = Namespace + "scope"
	PropKey      = Namespace + "key"
	PropPolarity = Namespace + "polarity"
)

// Pipeline and step property IRIs.
const (
	PropStep      = Namespace + "step"
	PropName      = Namespace + "name"
	PropOrder     = Namespace + "order"
	PropDependsOn = Namespace + "dependsOn"

	// SparqlStep
	PropOutputVar = Namespace + "outputVar"

	// TemplateStep
	PropTemplate = Namespace + "template"
	PropOutPath  = Namespace + "outPath"
	PropVar      = Namespace + "var"

	// FileStep
	PropFileOp  = Namespace + "fileOp"
	PropSrc     = Namespace + "src"
	PropDst     = Namespace + "dst"
	PropContent = Namespace + "content"

	// HttpStep
	PropMethod  = Namespace + "method"
	PropURL     = Namespace + "url"
	PropHeader  = Namespace + "header"
	PropBody    = Namespace + "body"
	PropCapture = Namespace + "capture"

	// CliStep
	PropCommand = Namespace + "command"
	PropArg     = Namespace + "arg"
	PropCwd     = Namespace + "cwd"

	// Shared step tuning.
	PropTimeoutMs   = Namespace + "timeoutMs"
	PropMaxAttempts = Namespace + "maxAttempts"
	PropBackoff     = Namespace + "backoff"
	PropBaseDelayMs = Namespace + "baseDelayMs"
	PropMaxDelayMs  = Namespace + "maxDelayMs"
)

// Polarity values for ShaclPredicate: trigger when violations are present or
// when the scope conforms.
const (
	PolarityViolations = "violations"
	PolarityConforms   = "conforms"
)
