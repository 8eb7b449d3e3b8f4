// Package schema compiles entity schemas written in CUE.
//
// A schema file declares entities under a top-level entity field:
//
//	entity: Person: {
//		singletons: {
//			name: string
//			age:  int
//		}
//		collections: tags: string
//	}
//
// Each field's type is recorded as a payload kind. Floats are refused
// because they have no canonical encoding.
package schema
