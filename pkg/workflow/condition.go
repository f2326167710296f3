package workflow

// Comparison operators for simple conditions.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpIn         = "in"
	OpNotIn      = "notIn"
	OpExists     = "exists"
	OpNotExists  = "notExists"
	OpRegex      = "regex"

	// Compound and negation operators.
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// ConditionExpression is the tagged union of simple comparisons, and/or
// compounds, and negations. The populated fields determine the variant:
// Conditions for compounds, Condition for negations, Left/Operator/Right
// for simple comparisons.
type ConditionExpression struct {
	// Operator is a comparison operator for simple conditions, or
	// and/or/not for compounds and negations.
	Operator string `json:"operator" yaml:"operator"`

	// Left is the expression resolved against the execution context.
	Left string `json:"left,omitempty" yaml:"left,omitempty"`

	// Right is the literal compared against.
	Right any `json:"right,omitempty" yaml:"right,omitempty"`

	// Conditions are the operands of an and/or compound.
	Conditions []*ConditionExpression `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Condition is the negated inner expression of a not.
	Condition *ConditionExpression `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ConditionKind classifies a condition expression variant.
type ConditionKind int

const (
	ConditionSimple ConditionKind = iota
	ConditionCompound
	ConditionNot
)

// Kind returns the variant of the expression.
func (c *ConditionExpression) Kind() ConditionKind {
	switch {
	case c.Operator == OpNot || c.Condition != nil:
		return ConditionNot
	case c.Operator == OpAnd || c.Operator == OpOr:
		return ConditionCompound
	default:
		return ConditionSimple
	}
}
